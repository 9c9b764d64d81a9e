package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCapability is returned by CallTool for a name the backend did not advertise.
var ErrUnknownCapability = errors.New("capability not advertised by backend")

// TransportError means the backend process could not be started or exited non-zero.
type TransportError struct {
	Method   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *TransportError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("transport: %s: backend exited with status %d: %s", e.Method, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("transport: %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError means no response arrived within the call's bound.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s: no response within %s", e.Method, e.Timeout)
}

// ProtocolError means no output line was an acceptable response object.
type ProtocolError struct {
	Method string
	Reason string
	Lines  int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %s (%d output lines)", e.Method, e.Reason, e.Lines)
}

// Kind names the error class for status reporting: transport, timeout, protocol, remote or "".
func Kind(err error) string {
	var te *TransportError
	var to *TimeoutError
	var pe *ProtocolError
	var re *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &to):
		return "timeout"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &re):
		return "remote"
	}
	return ""
}
