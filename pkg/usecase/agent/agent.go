// Package agent runs the decision pipeline of one interview session. An Agent owns the
// session's transcriber, language model and per-session state, routes transcripts through
// segment assembly and debouncing, classifies committed text and streams answers to its sink.
package agent

import (
	"context"
	"os"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/usecase/classify"
	"github.com/m-mizutani/hearken/pkg/usecase/dedup"
	"github.com/m-mizutani/hearken/pkg/usecase/memory"
	"github.com/m-mizutani/hearken/pkg/usecase/pending"
	"github.com/m-mizutani/hearken/pkg/usecase/segment"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MaxBufferedFrames bounds the audio kept while waiting for the transcriber to become ready.
const MaxBufferedFrames = 50

var (
	ErrInvalidState        = goerr.New("invalid agent state")
	ErrInjectNotSupported  = goerr.New("transcriber does not accept injected transcripts")
	ErrMissingSessionInput = goerr.New("session context is required")
)

type Agent struct {
	factory interfaces.Factory
	sched   scheduler.Scheduler
	getenv  func(string) string

	// lock order: audioMu, emitMu, mu
	mu        sync.Mutex
	state     State
	sessionID model.SessionID
	cfg       *model.AgentConfig
	sink      interfaces.EventSink
	ctx       context.Context
	cancel    context.CancelFunc
	stt       interfaces.Transcriber
	llm       interfaces.LLM
	waitReady bool
	started   bool
	ready     bool
	audio     [][]byte

	store      *memory.Store
	assembler  *segment.Assembler
	aggregator *pending.Aggregator
	classifier *classify.Classifier

	audioMu sync.Mutex
	emitMu  sync.Mutex
	// procMu serializes classification and answering of committed text.
	procMu sync.Mutex

	llmOnce   sync.Once
	closeOnce sync.Once
}

type Option func(*Agent)

// WithGetenv sets the lookup used to resolve apiKeyEnv when the config is built by Start.
func WithGetenv(fn func(string) string) Option {
	return func(a *Agent) {
		a.getenv = fn
	}
}

func New(factory interfaces.Factory, sched scheduler.Scheduler, opts ...Option) *Agent {
	a := &Agent{
		factory: factory,
		sched:   sched,
		getenv:  os.Getenv,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) SessionID() model.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Context returns the current context string of the session.
func (a *Agent) Context() string {
	a.mu.Lock()
	store := a.store
	a.mu.Unlock()

	if store == nil {
		return ""
	}
	return store.BuildContext()
}

// Start creates the collaborators and starts transcription. cfg may be nil, in which case it is
// built from sc. The agent outlives ctx; only its values (such as the logger) are kept.
func (a *Agent) Start(ctx context.Context, sc *model.SessionContext, cfg *model.AgentConfig, sink interfaces.EventSink) error {
	if sc == nil || sink == nil {
		return ErrMissingSessionInput
	}

	a.mu.Lock()
	if a.state != StateIdle {
		state := a.state
		a.mu.Unlock()
		return goerr.Wrap(ErrInvalidState, "agent is already started", goerr.V("state", state))
	}
	if cfg == nil {
		cfg = model.NewAgentConfig(sc, a.getenv)
	}
	a.state = StateStarting
	a.sessionID = sc.ID
	a.cfg = cfg
	a.sink = sink

	sessCtx, logger := logging.WithSession(context.WithoutCancel(ctx), sc.ID.String())
	a.ctx, a.cancel = context.WithCancel(sessCtx)
	a.store = memory.New(cfg.Context.WindowSize, cfg.Context.MaxUtterances, memory.WithUserPrompt(cfg.Prompt))
	a.assembler = segment.New(a.sched, a.dispatch,
		segment.WithSoftEndpoint(cfg.STT.SoftEndpoint),
		segment.WithMaxSegmentChars(cfg.STT.MaxSegmentChars),
		segment.WithEarlyCommitPunctuation(cfg.STT.EarlyCommitPunctuation),
		segment.WithErrorHandler(func(err error) { a.fail(model.ErrorCodeAgent, err) }),
	)
	a.aggregator = pending.New(a.sched, cfg.Context.Debounce, a.process)
	sessionCtx := a.ctx
	a.mu.Unlock()

	llm, err := a.factory.NewLLM(sessionCtx, cfg)
	if err != nil {
		a.abort()
		return goerr.Wrap(err, "failed to create llm", goerr.V("provider", cfg.LLM.Provider))
	}
	stt, err := a.factory.NewTranscriber(sessionCtx, cfg)
	if err != nil {
		safeClose(sessionCtx, llm.Close)
		a.abort()
		return goerr.Wrap(err, "failed to create transcriber", goerr.V("provider", cfg.STT.Provider))
	}
	waitReady := false
	if rs, ok := stt.(interfaces.ReadySignaler); ok {
		waitReady = rs.SignalsReady()
	}

	a.mu.Lock()
	if a.state != StateStarting {
		a.mu.Unlock()
		safeClose(sessionCtx, llm.Close)
		safeClose(sessionCtx, stt.Close)
		return goerr.Wrap(ErrInvalidState, "agent was closed while starting")
	}
	a.llm = llm
	a.stt = stt
	a.waitReady = waitReady
	a.classifier = classify.New(llm, a.store, dedup.New(dedup.WithThreshold(cfg.Context.SimilarityThreshold)), a.sched, cfg)
	a.mu.Unlock()

	if err := stt.Start(sessionCtx, sc.ID, a.transcriptHandler()); err != nil {
		_ = a.Close(sessionCtx)
		return goerr.Wrap(err, "failed to start transcriber")
	}

	a.mu.Lock()
	a.started = true
	ready := !waitReady || a.ready
	a.mu.Unlock()

	logger.Info("agent started",
		"stt", cfg.STT.Provider,
		"llm", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"wait_ready", waitReady,
	)
	if ready {
		a.becomeStreaming()
	}
	return nil
}

func (a *Agent) abort() {
	a.mu.Lock()
	a.state = StateClosed
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) transcriptHandler() interfaces.TranscriptHandler {
	return interfaces.TranscriptHandler{
		OnPartial: func(text string) { a.guard(func() { a.onPartial(text) }) },
		OnFinal:   func(text string) { a.guard(func() { a.onFinal(text) }) },
		OnError:   func(err error) { a.guard(func() { a.onSTTError(err) }) },
		OnReady:   func() { a.guard(a.onReady) },
	}
}

// guard keeps a panic in event handling from reaching the transcriber's goroutine.
func (a *Agent) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.fail(model.ErrorCodeAgent, goerr.New("panic in transcript handler", goerr.V("panic", r)))
		}
	}()
	fn()
}

func (a *Agent) onPartial(text string) {
	switch a.State() {
	case StateStarting, StateStreaming:
	default:
		return
	}
	a.emit(&model.Event{Type: model.EventSTTPartial, Content: text})
	a.assembler.OnPartial(text)
}

func (a *Agent) onFinal(text string) {
	state := a.State()
	switch state {
	case StateStarting, StateStreaming, StateClosing:
	default:
		return
	}
	a.emit(&model.Event{Type: model.EventSTTFinal, Content: text})
	if state == StateClosing {
		return
	}

	a.assembler.Cancel()
	a.assembler.Clear()
	a.store.AddRecentUtterance(text)
	a.aggregator.Enqueue(text)
}

func (a *Agent) onSTTError(err error) {
	state := a.State()
	if state == StateClosed {
		return
	}
	a.fail(model.ErrorCodeSTT, err)
	if state == StateClosing {
		return
	}

	ctx := a.sessionContext()
	a.sched.Schedule(0, func() {
		if err := a.Flush(ctx); err != nil {
			logging.From(ctx).Warn("failed to flush after transcriber error", "error", err)
		}
	})
}

func (a *Agent) onReady() {
	a.mu.Lock()
	if a.ready {
		a.mu.Unlock()
		return
	}
	a.ready = true
	started := a.started
	a.mu.Unlock()

	if started {
		a.sched.Schedule(0, a.becomeStreaming)
	}
}

// becomeStreaming moves STARTING to STREAMING and hands buffered audio to the transcriber.
func (a *Agent) becomeStreaming() {
	a.audioMu.Lock()
	defer a.audioMu.Unlock()

	a.mu.Lock()
	if a.state != StateStarting {
		a.mu.Unlock()
		return
	}
	a.state = StateStreaming
	frames := a.audio
	a.audio = nil
	stt := a.stt
	ctx := a.ctx
	a.mu.Unlock()

	a.emit(&model.Event{Type: model.EventSTTReady})
	for _, frame := range frames {
		if err := stt.SendAudio(frame); err != nil {
			logging.From(ctx).Warn("failed to send buffered audio", "error", err, "frames", len(frames))
			return
		}
	}
	if len(frames) > 0 {
		logging.From(ctx).Debug("buffered audio sent", "frames", len(frames))
	}
}

// SendAudio forwards a PCM frame to the transcriber. Frames are buffered until the transcriber
// is ready and ignored once the agent is closing.
func (a *Agent) SendAudio(pcm []byte) error {
	a.audioMu.Lock()
	defer a.audioMu.Unlock()

	a.mu.Lock()
	switch a.state {
	case StateStarting:
		frame := make([]byte, len(pcm))
		copy(frame, pcm)
		a.audio = append(a.audio, frame)
		if len(a.audio) > MaxBufferedFrames {
			a.audio = a.audio[len(a.audio)-MaxBufferedFrames:]
		}
		a.mu.Unlock()
		return nil

	case StateStreaming:
		stt := a.stt
		a.mu.Unlock()
		if err := stt.SendAudio(pcm); err != nil {
			return goerr.Wrap(err, "failed to send audio", goerr.V("bytes", len(pcm)))
		}
		return nil

	default:
		state := a.state
		ctx := a.ctx
		a.mu.Unlock()
		if ctx != nil {
			logging.From(ctx).Debug("audio ignored", "state", state)
		}
		return nil
	}
}

// InjectTranscript delivers text as a partial or final transcript when the transcriber accepts
// injected text.
func (a *Agent) InjectTranscript(text string, final bool) error {
	a.mu.Lock()
	stt := a.stt
	a.mu.Unlock()

	injector, ok := stt.(interfaces.TranscriptInjector)
	if !ok {
		return ErrInjectNotSupported
	}
	if final {
		injector.InjectFinal(text)
	} else {
		injector.InjectPartial(text)
	}
	return nil
}

// dispatch hands a committed segment to the scheduler so that the caller is not blocked by
// classification or answering.
func (a *Agent) dispatch(text string) error {
	a.sched.Schedule(0, func() { a.process(text) })
	return nil
}

func (a *Agent) process(text string) {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	if a.State() != StateStreaming {
		return
	}
	ctx := a.sessionContext()
	logger := logging.From(ctx)

	defer func() {
		if r := recover(); r != nil {
			a.fail(model.ErrorCodeAgent, goerr.New("panic while processing text", goerr.V("panic", r), goerr.V("text", text)))
		}
	}()

	d, err := a.classifier.Classify(ctx, text)
	if err != nil {
		a.fail(model.ErrorCodeLLM, err)
		return
	}
	logger.Debug("text classified",
		"action", d.Action,
		"skip_reason", d.SkipReason,
		"question", d.Question,
		"new", d.NewQuestion,
		"elaboration", d.Elaboration,
	)

	if !d.NoQuestion && d.NewQuestion {
		a.emit(&model.Event{Type: model.EventQuestion, Content: d.Question})
	}
	if d.Action != classify.ActionAnswer {
		return
	}

	a.answer(ctx, d.AnswerInput)
	a.classifier.Remember(d.Normalized)
}

func (a *Agent) answer(ctx context.Context, input string) {
	contextStr := a.store.BuildContext()

	var once sync.Once
	complete := func() {
		once.Do(func() { a.emit(&model.Event{Type: model.EventAnswerComplete}) })
	}
	delta := func(s string) {
		if s != "" {
			a.emit(&model.Event{Type: model.EventAnswerDelta, Content: s})
		}
	}
	onError := func(err error) {
		a.fail(model.ErrorCodeLLM, goerr.Wrap(err, "failed to generate answer"))
		complete()
	}

	if a.cfg.LLM.Streaming {
		a.llm.GenerateAnswerStream(ctx, input, contextStr, interfaces.StreamHandler{
			OnDelta:    delta,
			OnComplete: complete,
			OnError:    onError,
		})
		return
	}

	answer, err := a.llm.GenerateAnswer(ctx, input, contextStr)
	if err != nil {
		onError(err)
		return
	}
	delta(answer)
	complete()
}

// Flush stops accepting new work: timers are cancelled, the transcriber is flushed and the
// language model released. Transcripts produced by the flush are still emitted.
func (a *Agent) Flush(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateStarting, StateStreaming:
	default:
		state := a.state
		a.mu.Unlock()
		logging.From(ctx).Debug("flush ignored", "state", state)
		return nil
	}
	a.state = StateClosing
	stt := a.stt
	a.audio = nil
	a.mu.Unlock()

	a.assembler.Cancel()
	a.assembler.Clear()
	a.aggregator.Cancel()

	var err error
	if stt != nil {
		if e := stt.Flush(ctx); e != nil {
			err = goerr.Wrap(e, "failed to flush transcriber")
		}
	}
	a.releaseLLM()

	logging.From(a.sessionContext()).Info("agent flushed",
		"segments", a.assembler.Metrics(),
		"context", a.store.Metrics(),
	)
	return err
}

// Close releases every resource of the agent. It is safe to call more than once; after it
// returns no event is emitted.
func (a *Agent) Close(ctx context.Context) error {
	if a.State() == StateClosed {
		logging.From(ctx).Debug("agent already closed")
		return nil
	}

	flushErr := a.Flush(ctx)

	a.emitMu.Lock()
	a.mu.Lock()
	a.state = StateClosed
	a.audio = nil
	stt := a.stt
	cancel := a.cancel
	a.mu.Unlock()
	a.emitMu.Unlock()

	var closeErr error
	a.closeOnce.Do(func() {
		if stt != nil {
			if err := stt.Close(); err != nil {
				closeErr = goerr.Wrap(err, "failed to close transcriber")
			}
		}
		a.releaseLLM()
		if cancel != nil {
			cancel()
		}
		logging.From(ctx).Info("agent closed", "session_id", a.SessionID())
	})

	if closeErr != nil {
		return closeErr
	}
	return flushErr
}

func (a *Agent) releaseLLM() {
	a.mu.Lock()
	llm := a.llm
	a.mu.Unlock()
	if llm == nil {
		return
	}
	a.llmOnce.Do(func() {
		safeClose(a.sessionContext(), llm.Close)
	})
}

func (a *Agent) sessionContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// emit delivers ev to the sink unless the agent is closed.
func (a *Agent) emit(ev *model.Event) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	closed := a.state == StateClosed
	sink := a.sink
	ev.SessionID = a.sessionID
	a.mu.Unlock()

	if closed || sink == nil {
		return
	}
	sink.Emit(ev)
}

func (a *Agent) fail(code model.ErrorCode, err error) {
	logging.From(a.sessionContext()).Error("agent error", "code", code, "error", err)
	a.emit(&model.Event{Type: model.EventError, Code: code, Message: err.Error()})
}

func safeClose(ctx context.Context, fn func() error) {
	if err := fn(); err != nil {
		logging.From(ctx).Warn("failed to close", "error", err)
	}
}
