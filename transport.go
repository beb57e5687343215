package pcanrs

import "time"

// Transport is the byte link to the adapter. Implementations live in
// pkg/transport; the driver never opens or configures the link beyond
// SetBaud.
type Transport interface {
	// Write sends b in full or returns an error.
	Write(b []byte) error
	// ReadUntilTerminator returns the next line including its CR, or a
	// lone BEL. It returns an empty slice and no error when nothing
	// complete arrived within timeout; partial input is kept for the next
	// call.
	ReadUntilTerminator(timeout time.Duration) ([]byte, error)
	SetBaud(rate int) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}
