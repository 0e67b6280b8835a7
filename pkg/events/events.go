package events

type Kind string

const (
	KindConnectionStarted  Kind = "connection_started"
	KindConnectionFailed   Kind = "connection_failed"
	KindConnectionFinished Kind = "connection_finished"
	KindSessionStarted     Kind = "session_started"
	KindSessionFinished    Kind = "session_finished"
	KindSessionFailed      Kind = "session_failed"
	KindAudioChunk         Kind = "audio_chunk"
	KindSentenceBoundary   Kind = "sentence_boundary"
	KindTranscript         Kind = "transcript"
	KindErrorInfo          Kind = "error_info"
)

// FinishReason explains why a session or request ended.
type FinishReason string

const (
	ReasonRequestEnd  FinishReason = "request_end"
	ReasonInterrupted FinishReason = "interrupted"
)

// Event is a vendor response surfaced to the caller. Events from one
// connection are delivered in wire order.
type Event interface {
	Kind() Kind
	SessionID() string
}

type ConnectionStarted struct {
	connectionID string
}

func NewConnectionStarted(connectionID string) ConnectionStarted {
	return ConnectionStarted{connectionID: connectionID}
}

func (e ConnectionStarted) Kind() Kind           { return KindConnectionStarted }
func (e ConnectionStarted) SessionID() string    { return "" }
func (e ConnectionStarted) ConnectionID() string { return e.connectionID }

type ConnectionFailed struct {
	message string
}

func NewConnectionFailed(message string) ConnectionFailed {
	return ConnectionFailed{message: message}
}

func (e ConnectionFailed) Kind() Kind        { return KindConnectionFailed }
func (e ConnectionFailed) SessionID() string { return "" }
func (e ConnectionFailed) Message() string   { return e.message }

type ConnectionFinished struct{}

func (e ConnectionFinished) Kind() Kind        { return KindConnectionFinished }
func (e ConnectionFinished) SessionID() string { return "" }

type SessionStarted struct {
	sessionID string
}

func NewSessionStarted(sessionID string) SessionStarted {
	return SessionStarted{sessionID: sessionID}
}

func (e SessionStarted) Kind() Kind        { return KindSessionStarted }
func (e SessionStarted) SessionID() string { return e.sessionID }

type SessionFinished struct {
	sessionID string
	reason    FinishReason
}

func NewSessionFinished(sessionID string, reason FinishReason) SessionFinished {
	return SessionFinished{sessionID: sessionID, reason: reason}
}

func (e SessionFinished) Kind() Kind           { return KindSessionFinished }
func (e SessionFinished) SessionID() string    { return e.sessionID }
func (e SessionFinished) Reason() FinishReason { return e.reason }

type SessionFailed struct {
	sessionID string
	message   string
}

func NewSessionFailed(sessionID, message string) SessionFailed {
	return SessionFailed{sessionID: sessionID, message: message}
}

func (e SessionFailed) Kind() Kind        { return KindSessionFailed }
func (e SessionFailed) SessionID() string { return e.sessionID }
func (e SessionFailed) Message() string   { return e.message }

type AudioChunk struct {
	sessionID string
	data      []byte
}

func NewAudioChunk(sessionID string, data []byte) AudioChunk {
	return AudioChunk{sessionID: sessionID, data: data}
}

func (e AudioChunk) Kind() Kind         { return KindAudioChunk }
func (e AudioChunk) SessionID() string  { return e.sessionID }
func (e AudioChunk) Data() []byte       { return append([]byte(nil), e.data...) }
func (e AudioChunk) RawPayload() []byte { return e.data }

type SentenceBoundary struct {
	sessionID string
	isStart   bool
	metaJSON  string
}

func NewSentenceBoundary(sessionID string, isStart bool, metaJSON string) SentenceBoundary {
	return SentenceBoundary{sessionID: sessionID, isStart: isStart, metaJSON: metaJSON}
}

func (e SentenceBoundary) Kind() Kind        { return KindSentenceBoundary }
func (e SentenceBoundary) SessionID() string { return e.sessionID }
func (e SentenceBoundary) IsStart() bool     { return e.isStart }
func (e SentenceBoundary) MetaJSON() string  { return e.metaJSON }

// Transcript carries a recognition result in the ASR direction.
type Transcript struct {
	sessionID string
	text      string
	isFinal   bool
}

func NewTranscript(sessionID, text string, isFinal bool) Transcript {
	return Transcript{sessionID: sessionID, text: text, isFinal: isFinal}
}

func (e Transcript) Kind() Kind        { return KindTranscript }
func (e Transcript) SessionID() string { return e.sessionID }
func (e Transcript) Text() string      { return e.text }
func (e Transcript) IsFinal() bool     { return e.isFinal }

type ErrorInfo struct {
	code    int32
	message string
}

func NewErrorInfo(code int32, message string) ErrorInfo {
	return ErrorInfo{code: code, message: message}
}

func (e ErrorInfo) Kind() Kind        { return KindErrorInfo }
func (e ErrorInfo) SessionID() string { return "" }
func (e ErrorInfo) Code() int32       { return e.code }
func (e ErrorInfo) Message() string   { return e.message }
