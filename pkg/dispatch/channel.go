package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Channel is the abstract device channel: a byte-oriented request/response
// transport able to address individual devices by serial number. Framing
// and addressing live behind this interface (see pkg/transport for the
// serial-port implementation and MockChannel for tests).
type Channel interface {
	// WriteSetpoint writes a raw signal (percent of full scale) to the
	// device with the given serial.
	WriteSetpoint(ctx context.Context, serial string, signal float64) error

	// ReadSignal reads the device's measured raw signal (percent of full
	// scale).
	ReadSignal(ctx context.Context, serial string) (float64, error)

	// Close releases the underlying transport.
	Close() error
}

var (
	// ErrUnresponsive reports a channel that timed out and is failing
	// fast until reset.
	ErrUnresponsive = errors.New("channel unresponsive")

	// ErrNoChannel reports a device with no bound channel.
	ErrNoChannel = errors.New("no channel bound for device")
)

// CommError is a device-channel I/O failure attributed to one device. It
// never suppresses sibling devices in the same dispatch call.
type CommError struct {
	Serial string
	Cause  error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("device %s: communication error: %v", e.Serial, e.Cause)
}

func (e *CommError) Unwrap() error { return e.Cause }
