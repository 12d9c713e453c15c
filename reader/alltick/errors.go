package alltick

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTransientUpstream marks a socket failure after a successful connect.
	// It is carried by Disconnected and Reconnecting events.
	ErrTransientUpstream = errors.New("alltick: upstream connection lost")
	// ErrMalformedFrame is returned by the frame decoder. Such frames are
	// dropped.
	ErrMalformedFrame = errors.New("alltick: malformed frame")
	// ErrNotConnected is returned when a write is attempted without a live
	// connection.
	ErrNotConnected = errors.New("alltick: not connected")
)

// ConnectionError is returned by Connect when the handshake is rejected or
// does not finish within the connect timeout.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("alltick: connect to %s failed with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("alltick: connect to %s failed: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the connect attempt ran out of time.
func (e *ConnectionError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
