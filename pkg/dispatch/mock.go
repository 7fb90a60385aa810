package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockChannel simulates a device channel for testing and development.
// Written setpoints are immediately readable back as measured signals,
// optionally with a configurable offset, latency, and injected failures.
type MockChannel struct {
	mu      sync.Mutex
	signals map[string]float64

	// MeasureOffset is added to every read, simulating control error.
	MeasureOffset float64

	// Latency delays every exchange, simulating wire round-trip time.
	Latency time.Duration

	failWrites map[string]error
	failReads  map[string]error
	writeLog   []MockWrite
}

// MockWrite records one setpoint write for assertions.
type MockWrite struct {
	Serial string
	Signal float64
}

// Ensure MockChannel implements the Channel interface.
var _ Channel = (*MockChannel)(nil)

// NewMockChannel creates a mock channel with all signals at zero.
func NewMockChannel() *MockChannel {
	return &MockChannel{
		signals:    make(map[string]float64),
		failWrites: make(map[string]error),
		failReads:  make(map[string]error),
	}
}

// FailWrites makes writes to the given serial fail with err until cleared
// with a nil err.
func (c *MockChannel) FailWrites(serial string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failWrites, serial)
		return
	}
	c.failWrites[serial] = err
}

// FailReads makes reads of the given serial fail with err until cleared.
func (c *MockChannel) FailReads(serial string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failReads, serial)
		return
	}
	c.failReads[serial] = err
}

// SetSignal sets the measured signal for a serial directly.
func (c *MockChannel) SetSignal(serial string, signal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals[serial] = signal
}

// Writes returns the recorded setpoint writes in order.
func (c *MockChannel) Writes() []MockWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MockWrite, len(c.writeLog))
	copy(out, c.writeLog)
	return out
}

// WriteSetpoint implements Channel.
func (c *MockChannel) WriteSetpoint(ctx context.Context, serial string, signal float64) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failWrites[serial]; ok {
		return err
	}
	if signal < 0 || signal > 100 {
		return fmt.Errorf("signal %g out of range", signal)
	}
	c.signals[serial] = signal
	c.writeLog = append(c.writeLog, MockWrite{Serial: serial, Signal: signal})
	return nil
}

// ReadSignal implements Channel.
func (c *MockChannel) ReadSignal(ctx context.Context, serial string) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failReads[serial]; ok {
		return 0, err
	}
	return c.signals[serial] + c.MeasureOffset, nil
}

// Close implements Channel.
func (c *MockChannel) Close() error { return nil }

func (c *MockChannel) wait(ctx context.Context) error {
	if c.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(c.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
