package wire

import "strconv"

// Envelope constants for the bidirectional speech protocol (v3).
const (
	ProtocolVersion   = 0b0001
	DefaultHeaderSize = 0b0001
)

// MessageType occupies the high nibble of header byte 1.
type MessageType uint8

const (
	MsgFullClientRequest  MessageType = 0b0001
	MsgFullServerResponse MessageType = 0b1001
	MsgAudioOnlyResponse  MessageType = 0b1011
	MsgErrorInformation   MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case MsgFullClientRequest:
		return "full_client_request"
	case MsgFullServerResponse:
		return "full_server_response"
	case MsgAudioOnlyResponse:
		return "audio_only_response"
	case MsgErrorInformation:
		return "error_information"
	default:
		return "unknown"
	}
}

// Message type specific flags (low nibble of header byte 1).
const (
	FlagNoSeq       uint8 = 0b0000
	FlagPositiveSeq uint8 = 0b0001
	FlagLastNoSeq   uint8 = 0b0010
	FlagNegativeSeq uint8 = 0b0011
	FlagWithEvent   uint8 = 0b0100
)

// Serialization methods (high nibble of header byte 2).
const (
	SerializationNone uint8 = 0b0000
	SerializationJSON uint8 = 0b0001
)

// Compression methods (low nibble of header byte 2).
const (
	CompressionNone uint8 = 0b0000
	CompressionGzip uint8 = 0b0001
)

// EventCode identifies the protocol event carried by a frame.
type EventCode int32

const (
	EventNone               EventCode = 0
	EventStartConnection    EventCode = 1
	EventFinishConnection   EventCode = 2
	EventConnectionStarted  EventCode = 50
	EventConnectionFailed   EventCode = 51
	EventConnectionFinished EventCode = 52
	EventStartSession       EventCode = 100
	EventFinishSession      EventCode = 102
	EventSessionStarted     EventCode = 150
	EventSessionFinished    EventCode = 152
	EventSessionFailed      EventCode = 153
	EventTaskRequest        EventCode = 200
	EventSentenceStart      EventCode = 350
	EventSentenceEnd        EventCode = 351
	EventTTSResponse        EventCode = 352
)

func (c EventCode) String() string {
	switch c {
	case EventNone:
		return "none"
	case EventStartConnection:
		return "start_connection"
	case EventFinishConnection:
		return "finish_connection"
	case EventConnectionStarted:
		return "connection_started"
	case EventConnectionFailed:
		return "connection_failed"
	case EventConnectionFinished:
		return "connection_finished"
	case EventStartSession:
		return "start_session"
	case EventFinishSession:
		return "finish_session"
	case EventSessionStarted:
		return "session_started"
	case EventSessionFinished:
		return "session_finished"
	case EventSessionFailed:
		return "session_failed"
	case EventTaskRequest:
		return "task_request"
	case EventSentenceStart:
		return "sentence_start"
	case EventSentenceEnd:
		return "sentence_end"
	case EventTTSResponse:
		return "tts_response"
	default:
		return "event_" + strconv.Itoa(int(c))
	}
}

// field identifies one optional section of the wire envelope.
type field int

const (
	fieldConnectionID field = iota
	fieldSessionID
	fieldMetaJSON
	fieldPayload
)

// layoutKey selects the field layout for a decoded event. Error frames
// carry no event code and are handled separately.
type layoutKey struct {
	msgType MessageType
	event   EventCode
}

// eventLayouts is the static table mapping each known event to the optional
// fields that follow the event code on the wire, in order. Events absent
// from the table carry nothing beyond the code.
var eventLayouts = map[layoutKey][]field{
	{MsgFullClientRequest, EventStartConnection}:  {fieldPayload},
	{MsgFullClientRequest, EventFinishConnection}: {fieldPayload},
	{MsgFullClientRequest, EventStartSession}:     {fieldSessionID, fieldPayload},
	{MsgFullClientRequest, EventFinishSession}:    {fieldSessionID, fieldPayload},
	{MsgFullClientRequest, EventTaskRequest}:      {fieldSessionID, fieldPayload},

	{MsgFullServerResponse, EventConnectionStarted}:  {fieldConnectionID},
	{MsgFullServerResponse, EventConnectionFailed}:   {fieldMetaJSON},
	{MsgFullServerResponse, EventConnectionFinished}: {},
	{MsgFullServerResponse, EventSessionStarted}:     {fieldSessionID, fieldMetaJSON},
	{MsgFullServerResponse, EventSessionFinished}:    {fieldSessionID, fieldMetaJSON},
	{MsgFullServerResponse, EventSessionFailed}:      {fieldSessionID, fieldMetaJSON},
	{MsgFullServerResponse, EventSentenceStart}:      {fieldSessionID, fieldMetaJSON},
	{MsgFullServerResponse, EventSentenceEnd}:        {fieldSessionID, fieldMetaJSON},
	{MsgFullServerResponse, EventTTSResponse}:        {fieldSessionID, fieldPayload},

	{MsgAudioOnlyResponse, EventTTSResponse}: {fieldSessionID, fieldPayload},
}

func layoutFor(msgType MessageType, event EventCode) ([]field, bool) {
	fields, ok := eventLayouts[layoutKey{msgType: msgType, event: event}]
	return fields, ok
}
