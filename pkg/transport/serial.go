package transport

import (
	"fmt"
	"sort"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Serial is a transport over a local serial port, 8N1.
type Serial struct {
	port  serial.Port
	name  string
	baud  int
	lines lineBuffer
	rbuf  []byte
}

func OpenSerial(name string, baudrate int) (*Serial, error) {
	p, err := serial.Open(name, serialMode(baudrate))
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q : %w", name, err)
	}
	s := &Serial{
		port: p,
		name: name,
		baud: baudrate,
		rbuf: make([]byte, 64),
	}
	if err := s.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

func serialMode(baudrate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}

func (s *Serial) Name() string {
	return s.name
}

func (s *Serial) Baudrate() int {
	return s.baud
}

func (s *Serial) Write(b []byte) error {
	for len(b) > 0 {
		n, err := s.port.Write(b)
		if err != nil {
			return fmt.Errorf("failed to write to com port: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func (s *Serial) read(wait time.Duration) ([]byte, error) {
	if err := s.port.SetReadTimeout(wait); err != nil {
		return nil, err
	}
	n, err := s.port.Read(s.rbuf)
	if err != nil {
		return nil, fmt.Errorf("failed to read com port: %w", err)
	}
	return s.rbuf[:n], nil
}

func (s *Serial) ReadUntilTerminator(timeout time.Duration) ([]byte, error) {
	return s.lines.readLine(timeout, s.read)
}

func (s *Serial) SetBaud(rate int) error {
	if err := s.port.SetMode(serialMode(rate)); err != nil {
		return fmt.Errorf("failed to set baudrate %d: %w", rate, err)
	}
	s.baud = rate
	return nil
}

func (s *Serial) ResetInputBuffer() error {
	s.lines.reset()
	return s.port.ResetInputBuffer()
}

func (s *Serial) ResetOutputBuffer() error {
	return s.port.ResetOutputBuffer()
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	USB          bool
	VID, PID     string
	SerialNumber string
	Product      string
}

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	return fmt.Sprintf("%s (USB %s:%s %s %s)", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// Ports lists the serial ports on the host, sorted by name.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
