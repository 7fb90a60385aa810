// Package transport implements the device channel over an RS-232 line
// shared by every MFC on the rig. The rig interface MCU mediates a
// line-framed request/response protocol; one exchange is in flight at a
// time, which pkg/dispatch guarantees through its per-channel queue.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/burnerlab/gomfc/pkg/dispatch"
)

const (
	// DefaultBaudRate matches the rig interface MCU.
	DefaultBaudRate = 38400

	// FullScaleCounts is the device representation of 100% flow. Signal
	// differences below 100/32000 percent do not change the counts value.
	FullScaleCounts = 32000

	// scanDeadline bounds the node enumeration exchange.
	scanDeadline = 5 * time.Second
)

// Port describes an available serial port.
type Port struct {
	Name string
}

// Ports returns the serial ports present on the system.
func Ports() ([]Port, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	out := make([]Port, 0, len(names))
	for _, n := range names {
		out = append(out, Port{Name: n})
	}
	return out, nil
}

// Serial is a dispatch.Channel over a physical serial port. Device serial
// numbers are mapped to node addresses by Scan after connecting.
type Serial struct {
	port     string
	baudRate int
	log      *slog.Logger

	mu        sync.Mutex
	conn      serial.Port
	nodes     map[string]int
	connected bool
}

// Ensure Serial implements the device channel interface.
var _ dispatch.Channel = (*Serial)(nil)

// New creates a channel for the given port. Connect must be called before
// use.
func New(port string, baudRate int, logger *slog.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial{
		port:     port,
		baudRate: baudRate,
		log:      logger,
		nodes:    make(map[string]int),
	}
}

// Connect opens the serial port and enumerates the connected devices.
func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{BaudRate: s.baudRate}
	conn, err := serial.Open(s.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	s.conn = conn
	s.connected = true

	if err := s.scanLocked(ctx); err != nil {
		s.conn.Close()
		s.conn = nil
		s.connected = false
		return fmt.Errorf("node scan failed: %w", err)
	}
	s.log.Info("connected", "port", s.port, "devices", len(s.nodes))
	return nil
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return fmt.Errorf("failed to close serial port: %w", err)
		}
		s.conn = nil
	}
	return nil
}

// Nodes returns the serial-number to node-address map discovered by the
// last scan.
func (s *Serial) Nodes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.nodes))
	for k, v := range s.nodes {
		out[k] = v
	}
	return out
}

// WriteSetpoint implements dispatch.Channel.
func (s *Serial) WriteSetpoint(ctx context.Context, deviceSerial string, signal float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(deviceSerial)
	if err != nil {
		return err
	}
	counts, err := CountsFromPercent(signal)
	if err != nil {
		return err
	}

	reply, err := s.exchangeLocked(ctx, fmt.Sprintf("SP,%d,%d", node, counts))
	if err != nil {
		return err
	}
	if reply != fmt.Sprintf("OK,%d", node) {
		return fmt.Errorf("unexpected setpoint reply %q", reply)
	}
	return nil
}

// ReadSignal implements dispatch.Channel.
func (s *Serial) ReadSignal(ctx context.Context, deviceSerial string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(deviceSerial)
	if err != nil {
		return 0, err
	}

	reply, err := s.exchangeLocked(ctx, fmt.Sprintf("RD,%d", node))
	if err != nil {
		return 0, err
	}
	gotNode, counts, err := ParseMeasure(reply)
	if err != nil {
		return 0, err
	}
	if gotNode != node {
		return 0, fmt.Errorf("reply for node %d, expected %d", gotNode, node)
	}
	return PercentFromCounts(counts), nil
}

func (s *Serial) nodeLocked(deviceSerial string) (int, error) {
	if !s.connected {
		return 0, fmt.Errorf("not connected")
	}
	node, ok := s.nodes[deviceSerial]
	if !ok {
		return 0, fmt.Errorf("device %s not found on %s", deviceSerial, s.port)
	}
	return node, nil
}

// scanLocked enumerates nodes: ID is answered by one NODE line per device
// and a terminating END.
func (s *Serial) scanLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, scanDeadline)
	defer cancel()

	if err := s.sendLocked("ID"); err != nil {
		return err
	}
	nodes := make(map[string]int)
	for {
		line, err := s.readLineLocked(ctx)
		if err != nil {
			return err
		}
		if line == "END" {
			break
		}
		addr, deviceSerial, err := ParseNode(line)
		if err != nil {
			s.log.Warn("ignoring malformed scan line", "line", line, "err", err)
			continue
		}
		nodes[deviceSerial] = addr
	}
	s.nodes = nodes
	return nil
}

// exchangeLocked performs one request/response round trip.
func (s *Serial) exchangeLocked(ctx context.Context, request string) (string, error) {
	if !s.connected {
		return "", fmt.Errorf("not connected")
	}
	if err := s.sendLocked(request); err != nil {
		return "", err
	}
	return s.readLineLocked(ctx)
}

func (s *Serial) sendLocked(request string) error {
	if _, err := s.conn.Write([]byte(request + "\n")); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// readLineLocked reads bytes until newline, honoring ctx. The port read
// timeout is kept short so cancellation is checked between reads.
func (s *Serial) readLineLocked(ctx context.Context) (string, error) {
	if err := s.conn.SetReadTimeout(50 * time.Millisecond); err != nil {
		return "", fmt.Errorf("failed to set read timeout: %w", err)
	}

	var line strings.Builder
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := s.conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("failed to read reply: %w", err)
		}
		if n == 0 {
			// Read timeout tick; loop to re-check ctx.
			continue
		}
		switch buf[0] {
		case '\n':
			return strings.TrimSpace(line.String()), nil
		case '\r':
			// swallow
		default:
			line.WriteByte(buf[0])
		}
	}
}

// CountsFromPercent converts a signal in percent of full scale to the
// device counts representation.
func CountsFromPercent(signal float64) (int, error) {
	if signal < 0 || signal > 100 {
		return 0, fmt.Errorf("signal %g%% out of range [0, 100]", signal)
	}
	counts := int(signal/100*FullScaleCounts + 0.5)
	if counts > FullScaleCounts {
		counts = FullScaleCounts
	}
	return counts, nil
}

// PercentFromCounts converts device counts back to percent of full scale.
func PercentFromCounts(counts int) float64 {
	return float64(counts) / FullScaleCounts * 100
}

// ParseMeasure parses a measurement reply: MV,<node>,<counts>.
func ParseMeasure(line string) (node, counts int, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 || parts[0] != "MV" {
		return 0, 0, fmt.Errorf("invalid measure reply %q", line)
	}
	node, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid node in %q: %w", line, err)
	}
	counts, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid counts in %q: %w", line, err)
	}
	if counts < 0 || counts > FullScaleCounts {
		return 0, 0, fmt.Errorf("counts %d out of range", counts)
	}
	return node, counts, nil
}

// ParseNode parses a scan line: NODE,<addr>,<serial>.
func ParseNode(line string) (addr int, deviceSerial string, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 || parts[0] != "NODE" {
		return 0, "", fmt.Errorf("invalid scan line %q", line)
	}
	addr, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("invalid address in %q: %w", line, err)
	}
	deviceSerial = strings.TrimSpace(parts[2])
	if deviceSerial == "" {
		return 0, "", fmt.Errorf("empty serial in %q", line)
	}
	return addr, deviceSerial, nil
}
