package groupcall

// CallError represents an error raised by the group-call engine
type CallError struct {
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return e.Message
}

// Errors
var (
	// ErrAlreadyCreated is returned when Create is called twice
	ErrAlreadyCreated = &CallError{Code: "already_created", Message: "group call already created"}

	// ErrMediaAcquisitionFailed is returned when device or screen capture
	// fails. Recoverable: state rolls back so the caller may retry.
	ErrMediaAcquisitionFailed = &CallError{Code: "media_acquisition_failed", Message: "media acquisition failed"}

	// ErrInvalidStateTransition is returned when an operation is invoked
	// from a state that does not permit it
	ErrInvalidStateTransition = &CallError{Code: "invalid_state_transition", Message: "invalid state transition"}

	// ErrSignalingFailed is returned when publishing state or sending call
	// signaling fails
	ErrSignalingFailed = &CallError{Code: "signaling_failed", Message: "signaling failed"}
)
