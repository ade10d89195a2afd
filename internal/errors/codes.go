package errors

type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConnectionUnavailable Code = "CONNECTION_UNAVAILABLE"
	CodeAuthExpired           Code = "AUTH_EXPIRED"
	CodeBlocked               Code = "BLOCKED"
	CodeAckTimeout            Code = "ACK_TIMEOUT"
	CodeSendFailed            Code = "SEND_FAILED"
	CodeInternal              Code = "INTERNAL"

	// CodeQuotaExceeded matches the wire code the server attaches to a
	// rejected send ack, so client-side and server-side rejections are
	// indistinguishable to callers.
	CodeQuotaExceeded Code = "FREE_CAP_REACHED"
)
