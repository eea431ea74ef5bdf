package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

func TestLevelFiltering(t *testing.T) {
	testCases := []struct {
		level string
		shown []string
		quiet []string
	}{
		{level: "debug", shown: []string{"dbg", "inf", "wrn", "err"}},
		{level: "info", shown: []string{"inf", "wrn", "err"}, quiet: []string{"dbg"}},
		{level: "warning", shown: []string{"wrn", "err"}, quiet: []string{"dbg", "inf"}},
		{level: "ERROR", shown: []string{"err"}, quiet: []string{"dbg", "inf", "wrn"}},
		{level: "loud", shown: []string{"inf", "wrn", "err"}, quiet: []string{"dbg"}},
	}

	for _, format := range []logging.Format{logging.FormatConsole, logging.FormatJSON} {
		for _, tc := range testCases {
			t.Run(string(format)+"/"+tc.level, func(t *testing.T) {
				buf := &bytes.Buffer{}
				logger := logging.NewWithFormat(format, tc.level, buf)

				logger.Debug("dbg")
				logger.Info("inf")
				logger.Warn("wrn")
				logger.Error("err")

				for _, msg := range tc.shown {
					gt.S(t, buf.String()).Contains(msg)
				}
				for _, msg := range tc.quiet {
					gt.S(t, buf.String()).NotContains(msg)
				}
			})
		}
	}
}

func TestParseLevel(t *testing.T) {
	gt.Equal(t, logging.ParseLevel("debug"), slog.LevelDebug)
	gt.Equal(t, logging.ParseLevel("WARN"), slog.LevelWarn)
	gt.Equal(t, logging.ParseLevel("unknown"), slog.LevelInfo)
}

func TestNewWithFormatJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewWithFormat(logging.FormatJSON, "info", buf)

	logger.Info("stt connected", "provider", "manual")
	gt.S(t, buf.String()).Contains(`"msg":"stt connected"`)
	gt.S(t, buf.String()).Contains(`"provider":"manual"`)
}

func TestContextLogger(t *testing.T) {
	original := logging.Default()
	defer logging.SetDefault(original)

	fallback := &bytes.Buffer{}
	logging.SetDefault(logging.NewWithFormat(logging.FormatJSON, "info", fallback))

	ctx := context.Background()
	logging.From(ctx).Info("no logger in context")
	gt.S(t, fallback.String()).Contains("no logger in context")

	scoped := &bytes.Buffer{}
	logger := logging.NewWithFormat(logging.FormatJSON, "debug", scoped).With("conn_id", "c-1")
	ctx = logging.With(ctx, logger)
	gt.Equal(t, logging.From(ctx), logger)

	logging.From(ctx).Debug("audio frame")
	gt.S(t, scoped.String()).Contains(`"conn_id":"c-1"`)
	gt.S(t, fallback.String()).NotContains("audio frame")
}

func TestWithSession(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := logging.With(context.Background(), logging.NewWithFormat(logging.FormatJSON, "debug", buf))

	ctx, logger := logging.WithSession(ctx, "sess-1")
	gt.Equal(t, logging.From(ctx), logger)

	logger.Info("scoped")
	gt.S(t, buf.String()).Contains(`"session_id":"sess-1"`)
}
