package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/service/provider"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
	"github.com/urfave/cli/v3"
)

func consoleCommand() *cli.Command {
	var (
		cfg         config
		userID      string
		llmProvider string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID of the console session",
			Value:       "console",
			Sources:     cli.EnvVars("HEARKEN_USER"),
			Destination: &userID,
		},
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "LLM provider (gemini, mock); gemini when configured, mock otherwise",
			Destination: &llmProvider,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, sessionFlags(&cfg)...)

	return &cli.Command{
		Name:  "console",
		Usage: "Type interviewer utterances and get question detection and answers interactively",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			if llmProvider == "" {
				llmProvider = provider.LLMMock
				if cfg.geminiAPIKey != "" || cfg.geminiProject != "" {
					llmProvider = provider.LLMGemini
				}
			}

			sched := scheduler.NewPool()
			defer func() { _ = sched.Shutdown(context.WithoutCancel(ctx)) }()

			a, err := cfg.newApp(ctx, sched, map[string]any{
				"stt": map[string]any{"provider": provider.STTManual},
				"llm": map[string]any{"provider": llmProvider},
			})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			sess, err := a.sessions.Create(ctx, userID, nil)
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to start console")
			}
			defer rl.Close()

			out := newConsolePrinter(rl.Stdout())
			connID := uuid.NewString()
			if err := a.streams.Open(ctx, connID, sess.ID, out); err != nil {
				return err
			}

			fmt.Fprintf(rl.Stdout(), "Session %s started (llm: %s). Type 'exit' to quit.\n", sess.ID, llmProvider)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						break
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read input")
				}

				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "exit", "quit":
					return endConsole(ctx, a, connID, sess.ID, out)
				}

				if err := a.streams.Inject(connID, line, true); err != nil {
					return err
				}
			}

			return endConsole(ctx, a, connID, sess.ID, out)
		},
	}
}

func endConsole(ctx context.Context, a *app, connID string, sessionID model.SessionID, out *consolePrinter) error {
	out.stop()
	if err := a.streams.Close(ctx, connID); err != nil {
		return err
	}
	if _, err := a.sessions.End(ctx, sessionID); err != nil {
		return err
	}
	fmt.Fprintf(out.w, "Session %s ended\n", sessionID)
	return nil
}

// consolePrinter prints agent events and spins while an answer is being drafted.
type consolePrinter struct {
	w    io.Writer
	spin *spinner.Spinner

	mu     sync.Mutex
	answer strings.Builder
}

func newConsolePrinter(w io.Writer) *consolePrinter {
	spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	spin.Suffix = " drafting answer..."
	return &consolePrinter{w: w, spin: spin}
}

func (p *consolePrinter) Emit(ev *model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case model.EventQuestion:
		fmt.Fprintf(p.w, "Q: %s\n", ev.Content)
		p.answer.Reset()
		p.spin.Start()
	case model.EventAnswerDelta:
		p.answer.WriteString(ev.Content)
	case model.EventAnswerComplete:
		p.spin.Stop()
		if text := strings.TrimSpace(p.answer.String()); text != "" {
			fmt.Fprintf(p.w, "A: %s\n", text)
		}
		p.answer.Reset()
	case model.EventError:
		p.spin.Stop()
		fmt.Fprintf(p.w, "error [%s]: %s\n", ev.Code, ev.Message)
	}
}

func (p *consolePrinter) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spin.Stop()
}
