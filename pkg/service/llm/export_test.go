package llm

var (
	DecodeJSONForTest        = decodeJSON
	ParseMemoryUpdateForTest = parseMemoryUpdate
	LastSentenceForTest      = lastSentence
)
