package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/usecase/session"
	"github.com/urfave/cli/v3"
)

func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Manage interview sessions",
		Commands: []*cli.Command{
			sessionCreateCommand(),
			sessionEndCommand(),
			sessionShowCommand(),
		},
	}
}

// withSessions runs fn with a session use case over the configured repository
func (cfg *config) withSessions(ctx context.Context, fn func(ctx context.Context, uc *session.UseCase) error) error {
	ctx = cfg.setupLogger(ctx)

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	return fn(ctx, session.New(repo))
}

func sessionCreateCommand() *cli.Command {
	var (
		cfg        config
		userID     string
		configPath string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User ID of the session",
			Sources:     cli.EnvVars("HEARKEN_USER"),
			Destination: &userID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "YAML file with the session's own configuration",
			Destination: &configPath,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:  "create",
		Usage: "Create an active session",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			var sessionConfig map[string]any
			if configPath != "" {
				loaded, err := loadYAMLConfig(configPath)
				if err != nil {
					return err
				}
				sessionConfig = loaded
			}

			return cfg.withSessions(ctx, func(ctx context.Context, uc *session.UseCase) error {
				sess, err := uc.Create(ctx, userID, sessionConfig)
				if err != nil {
					return err
				}
				return printJSON(c.Root().Writer, sess)
			})
		},
	}
}

func sessionEndCommand() *cli.Command {
	var cfg config

	flags := append(globalFlags(&cfg), repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:      "end",
		Usage:     "End a session",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := model.SessionID(c.Args().First())
			if id == "" {
				return goerr.New("session ID is required")
			}

			return cfg.withSessions(ctx, func(ctx context.Context, uc *session.UseCase) error {
				sess, err := uc.End(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(c.Root().Writer, sess)
			})
		},
	}
}

type sessionView struct {
	*model.Session
	Messages []*model.Message `json:"messages"`
}

func sessionShowCommand() *cli.Command {
	var cfg config

	flags := append(globalFlags(&cfg), repositoryFlags(&cfg)...)

	return &cli.Command{
		Name:      "show",
		Usage:     "Show a session and its transcript",
		ArgsUsage: "<session-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			id := model.SessionID(c.Args().First())
			if id == "" {
				return goerr.New("session ID is required")
			}

			return cfg.withSessions(ctx, func(ctx context.Context, uc *session.UseCase) error {
				sess, err := uc.Get(ctx, id)
				if err != nil {
					return err
				}
				msgs, err := uc.Messages(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(c.Root().Writer, sessionView{Session: sess, Messages: msgs})
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal output")
	}
	fmt.Fprintf(w, "%s\n", string(data))
	return nil
}
