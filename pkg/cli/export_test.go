package cli

import (
	"time"

	"github.com/urfave/cli/v3"
)

func NewRootCommandForTest() *cli.Command {
	return newRootCommand()
}

type ReplayStepForTest struct {
	At      time.Duration
	Partial string
	Final   string
}

func ParseReplayScriptForTest(raw []byte) (map[string]any, []ReplayStepForTest, error) {
	script, err := parseReplayScript(raw)
	if err != nil {
		return nil, nil, err
	}
	steps := make([]ReplayStepForTest, 0, len(script.Steps))
	for _, s := range script.Steps {
		steps = append(steps, ReplayStepForTest{At: s.at, Partial: s.Partial, Final: s.Final})
	}
	return script.Config, steps, nil
}
