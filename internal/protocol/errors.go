package protocol

// Error codes carried in the message field of error frames. Soft failures:
// the offending frame is dropped but the channel stays open.
const (
	ErrInvalidInput   = "invalid input"
	ErrNotJoined      = "not joined"
	ErrAlreadyJoined  = "already joined"
	ErrUnknownTarget  = "unknown target"
	ErrTargetNotFound = "target not found"
	ErrCrossRoom      = "cross-room target"
	ErrRateLimited    = "rate limited"
	ErrFrameTooLarge  = "frame too large"
	ErrBadPayload     = "bad payload"
)

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
