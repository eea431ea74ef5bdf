package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newRootCommand().Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "hearken",
		Usage: "Real-time interview assistant: detects questions in live speech and drafts answers",
		Commands: []*cli.Command{
			serveCommand(),
			consoleCommand(),
			replayCommand(),
			sessionCommand(),
		},
	}
}
