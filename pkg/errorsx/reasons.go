package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonFrameDecode ReasonCode = "frame_decode"
	ReasonFrameEncode ReasonCode = "frame_encode"

	ReasonConnect          ReasonCode = "connect"
	ReasonSend             ReasonCode = "send"
	ReasonReceive          ReasonCode = "receive"
	ReasonConnectionClosed ReasonCode = "connection_closed"
	ReasonRateLimit        ReasonCode = "rate_limit"

	ReasonTimeout          ReasonCode = "timeout"
	ReasonSessionState     ReasonCode = "session_state"
	ReasonDuplicateRequest ReasonCode = "duplicate_request"
	ReasonRequestCompleted ReasonCode = "request_completed"

	ReasonVendor ReasonCode = "vendor"
)
