package cli

import (
	"context"

	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/service/provider"
	"github.com/m-mizutani/hearken/pkg/usecase/persist"
	"github.com/m-mizutani/hearken/pkg/usecase/session"
	"github.com/m-mizutani/hearken/pkg/usecase/stream"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

// app bundles the services a command runs agents with.
type app struct {
	repo     interfaces.Repository
	writer   *persist.Writer
	sessions *session.UseCase
	streams  *stream.Service
	closers  []func() error
}

// newApp wires repository, persistence, providers and the stream service. overrides are
// applied on top of the session defaults file.
func (cfg *config) newApp(ctx context.Context, sched scheduler.Scheduler, overrides map[string]any) (*app, error) {
	defaults, err := cfg.loadSessionConfig()
	if err != nil {
		return nil, err
	}
	defaults = model.MergeConfig(defaults, overrides)

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{
		repo:     repo,
		writer:   persist.New(repo),
		sessions: session.New(repo),
		closers:  []func() error{repo.Close},
	}

	var factoryOpts []provider.Option
	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if gemini != nil {
		factoryOpts = append(factoryOpts, provider.WithGemini(gemini))
	}

	streamOpts := []stream.Option{
		stream.WithPersistence(a.writer),
		stream.WithDefaultConfig(defaults),
	}
	storage, err := cfg.newStorage(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if storage != nil {
		streamOpts = append(streamOpts, stream.WithArchive(storage))
		a.closers = append(a.closers, storage.Close)
	}

	a.streams = stream.New(a.sessions, provider.New(sched, factoryOpts...), sched, streamOpts...)
	return a, nil
}

// close stops every stream, drains pending messages and releases the backends.
func (a *app) close(ctx context.Context) {
	if a.streams != nil {
		a.streams.CloseAll(ctx)
	}
	if err := a.writer.Close(ctx); err != nil {
		logging.From(ctx).Warn("failed to drain message queue", "error", err, "dropped", a.writer.Dropped())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.From(ctx).Warn("failed to close resource", "error", err)
		}
	}
}
