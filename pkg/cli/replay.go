package cli

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/service/provider"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// replayStep is one transcript delivered at a point of the virtual clock.
type replayStep struct {
	At      string `yaml:"at"`
	Partial string `yaml:"partial,omitempty"`
	Final   string `yaml:"final,omitempty"`

	at time.Duration
}

// replayScript is either a plain list of steps or a document with a session config.
type replayScript struct {
	Config map[string]any `yaml:"config,omitempty"`
	Steps  []*replayStep  `yaml:"steps"`
}

func parseReplayScript(raw []byte) (*replayScript, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, goerr.Wrap(err, "failed to parse replay script")
	}

	var script replayScript
	switch doc.(type) {
	case []any:
		if err := yaml.Unmarshal(raw, &script.Steps); err != nil {
			return nil, goerr.Wrap(err, "failed to parse replay steps")
		}
	case map[string]any:
		if err := yaml.Unmarshal(raw, &script); err != nil {
			return nil, goerr.Wrap(err, "failed to parse replay script")
		}
	default:
		return nil, goerr.New("replay script must be a list of steps or a document with steps")
	}

	for i, step := range script.Steps {
		if step == nil {
			return nil, goerr.New("empty replay step", goerr.V("index", i))
		}
		if (step.Partial == "") == (step.Final == "") {
			return nil, goerr.New("replay step needs exactly one of partial or final", goerr.V("index", i))
		}
		if step.At != "" {
			d, err := time.ParseDuration(step.At)
			if err != nil {
				return nil, goerr.Wrap(err, "invalid step time", goerr.V("index", i), goerr.V("at", step.At))
			}
			if d < 0 {
				return nil, goerr.New("step time must not be negative", goerr.V("index", i), goerr.V("at", step.At))
			}
			step.at = d
		}
	}
	slices.SortStableFunc(script.Steps, func(a, b *replayStep) int {
		return cmp.Compare(a.at, b.at)
	})

	return &script, nil
}

func replayCommand() *cli.Command {
	var (
		cfg         config
		llmProvider string
		tail        time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "LLM provider (mock, gemini)",
			Value:       provider.LLMMock,
			Destination: &llmProvider,
		},
		&cli.DurationFlag{
			Name:        "tail",
			Usage:       "Virtual time to run after the last step",
			Value:       10 * time.Second,
			Destination: &tail,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, sessionFlags(&cfg)...)

	return &cli.Command{
		Name:      "replay",
		Usage:     "Feed a scripted transcript to an agent on a virtual clock and print its events",
		ArgsUsage: "<script.yaml>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			path := c.Args().First()
			if path == "" {
				return goerr.New("replay script is required")
			}
			raw, err := readScript(path, c.Root().Reader)
			if err != nil {
				return err
			}
			script, err := parseReplayScript(raw)
			if err != nil {
				return err
			}

			return runReplay(ctx, &cfg, script, llmProvider, tail, c.Root().Writer)
		},
	}
}

func readScript(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read replay script from stdin")
		}
		return raw, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read replay script", goerr.V("path", path))
	}
	return raw, nil
}

func runReplay(ctx context.Context, cfg *config, script *replayScript, llmProvider string, tail time.Duration, w io.Writer) error {
	sched := scheduler.NewManual()

	// replay never persists outside the process
	cfg.repository = repoMemory
	cfg.archiveBucket = ""

	a, err := cfg.newApp(ctx, sched, map[string]any{
		"stt": map[string]any{"provider": provider.STTManual},
		"llm": map[string]any{"provider": llmProvider},
	})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	sess, err := a.sessions.Create(ctx, "replay", script.Config)
	if err != nil {
		return err
	}

	out := &replayPrinter{w: w, clock: sched}
	const connID = "replay"
	if err := a.streams.Open(ctx, connID, sess.ID, out); err != nil {
		return err
	}

	for _, step := range script.Steps {
		sched.Advance(step.at - sched.Now())
		if step.Final != "" {
			err = a.streams.Inject(connID, step.Final, true)
		} else {
			err = a.streams.Inject(connID, step.Partial, false)
		}
		if err != nil {
			return err
		}
	}
	sched.Advance(tail)

	if err := a.streams.Flush(ctx, connID); err != nil {
		return err
	}
	sched.Advance(0)
	return a.streams.Close(ctx, connID)
}

// replayPrinter writes one line per event stamped with the virtual clock. Answer deltas are
// joined into one line on completion.
type replayPrinter struct {
	w      io.Writer
	clock  *scheduler.Manual
	answer strings.Builder
}

func (p *replayPrinter) Emit(ev *model.Event) {
	stamp := fmt.Sprintf("[%8.3fs]", p.clock.Now().Seconds())
	switch ev.Type {
	case model.EventAnswerDelta:
		p.answer.WriteString(ev.Content)
	case model.EventAnswerComplete:
		fmt.Fprintf(p.w, "%s answer       %s\n", stamp, p.answer.String())
		p.answer.Reset()
	case model.EventError:
		fmt.Fprintf(p.w, "%s error        %s %s\n", stamp, ev.Code, ev.Message)
	case model.EventSTTReady:
		fmt.Fprintf(p.w, "%s stt_ready\n", stamp)
	default:
		fmt.Fprintf(p.w, "%s %-12s %s\n", stamp, ev.Type, ev.Content)
	}
}
