package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuth           ReasonCode = "auth"
	ReasonConnectTimeout ReasonCode = "connect_timeout"
	ReasonTransport      ReasonCode = "transport"
	ReasonRemoteProtocol ReasonCode = "remote_protocol"
	ReasonInvalidState   ReasonCode = "invalid_state"
	ReasonValidation     ReasonCode = "validation"

	ReasonCaptureStart ReasonCode = "capture_start"
	ReasonCaptureRead  ReasonCode = "capture_read"

	ReasonCredsFetch   ReasonCode = "creds_fetch"
	ReasonCredsRefresh ReasonCode = "creds_refresh"
)
