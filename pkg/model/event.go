package model

type EventType string

const (
	EventSTTPartial     EventType = "stt_partial"
	EventSTTFinal       EventType = "stt_final"
	EventSTTReady       EventType = "stt_ready"
	EventQuestion       EventType = "question"
	EventAnswerDelta    EventType = "answer_delta"
	EventAnswerComplete EventType = "answer_complete"
	EventError          EventType = "error"
)

type ErrorCode string

const (
	ErrorCodeAgent ErrorCode = "AGENT_ERROR"
	ErrorCodeSTT   ErrorCode = "STT_ERROR"
	ErrorCodeLLM   ErrorCode = "LLM_ERROR"
)

// Event is pushed by an agent to its transport.
type Event struct {
	Type      EventType
	SessionID SessionID
	Content   string
	Code      ErrorCode
	Message   string
}
