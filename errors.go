package nkn

import (
	"fmt"
	"strings"
)

// Error definitions.
var (
	ErrClosed                = NewGenericError("use of closed session registry", false, false)
	ErrSessionClosed         = NewGenericError("session closed", false, false)
	ErrNoChannelsAvailable   = NewGenericError("no relay channels available", false, true)
	ErrDeliveryFailed        = NewGenericError("fragment delivery failed", false, false)
	ErrExcessiveReorderGap   = NewGenericError("reassembly reorder gap exceeded", false, false)
	ErrIncompleteStream      = NewGenericError("incomplete fragment stream", false, true)
	ErrReadDeadlineExceeded  = NewGenericError("read deadline exceeded", true, true)
	ErrWriteDeadlineExceeded = NewGenericError("write deadline exceeded", true, true)
	ErrInvalidFragmentSize   = NewGenericError("max fragment size should be at least 1", false, false)
	ErrInvalidFragment       = NewGenericError("invalid fragment", false, false)
	ErrSessionIDMismatch     = NewGenericError("fragment session id mismatch", false, false)
	ErrSessionExists         = NewGenericError("session already exists", false, false)
)

// GenericError is the error type used by session layer. It implements
// net.Error so it can be returned from net.Conn methods.
type GenericError struct {
	err       string
	timeout   bool
	temporary bool
}

// NewGenericError creates a GenericError.
func NewGenericError(err string, timeout, temporary bool) GenericError {
	return GenericError{err: err, timeout: timeout, temporary: temporary}
}

func (e GenericError) Error() string   { return e.err }
func (e GenericError) Timeout() bool   { return e.timeout }
func (e GenericError) Temporary() bool { return e.temporary }

// FragmentError wraps one of the error definitions above with the sequence
// numbers and channel ids that caused it.
type FragmentError struct {
	Err        error
	Sequences  []uint64
	ChannelIDs []string
}

func newFragmentError(err error, seq uint64, channelIDs ...string) *FragmentError {
	return &FragmentError{Err: err, Sequences: []uint64{seq}, ChannelIDs: channelIDs}
}

func (e *FragmentError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Err.Error())
	if len(e.Sequences) > 0 {
		fmt.Fprintf(&sb, " (seq %v", e.Sequences)
		if len(e.ChannelIDs) > 0 {
			fmt.Fprintf(&sb, ", channel %v", e.ChannelIDs)
		}
		sb.WriteString(")")
	} else if len(e.ChannelIDs) > 0 {
		fmt.Fprintf(&sb, " (channel %v)", e.ChannelIDs)
	}
	return sb.String()
}

func (e *FragmentError) Unwrap() error { return e.Err }

// Timeout implements net.Error.
func (e *FragmentError) Timeout() bool {
	if ge, ok := e.Err.(GenericError); ok {
		return ge.Timeout()
	}
	return false
}

// Temporary implements net.Error.
func (e *FragmentError) Temporary() bool {
	if ge, ok := e.Err.(GenericError); ok {
		return ge.Temporary()
	}
	return false
}
