package pcanrs

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/albenik/bcd"
)

// StatusFlags is the adapter's status byte as returned by F.
type StatusFlags uint8

/*
Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI), see SJA1000 datasheet
Bit 3 Data Overrun (DOI), see SJA1000 datasheet
Bit 4 Not used.
Bit 5 Error Passive (EPI), see SJA1000 datasheet
Bit 6 Arbitration Lost (ALI), see SJA1000 datasheet
Bit 7 Bus Error (BEI), see SJA1000 datasheet
*/
const (
	StatusRXFIFOFull StatusFlags = 1 << iota
	StatusTXFIFOFull
	StatusErrorWarning
	StatusDataOverrun
	statusUnused
	StatusErrorPassive
	StatusArbitrationLost
	StatusBusError
)

var statusNames = []struct {
	flag StatusFlags
	name string
}{
	{StatusRXFIFOFull, "CAN receive FIFO queue full"},
	{StatusTXFIFOFull, "CAN transmit FIFO queue full"},
	{StatusErrorWarning, "error warning (EI)"},
	{StatusDataOverrun, "data overrun (DOI)"},
	{StatusErrorPassive, "error passive (EPI)"},
	{StatusArbitrationLost, "arbitration lost (ALI)"},
	{StatusBusError, "bus error (BEI)"},
}

func (s StatusFlags) Has(f StatusFlags) bool {
	return s&f != 0
}

func (s StatusFlags) String() string {
	if s&^statusUnused == 0 {
		return "ok"
	}
	var out []string
	for _, n := range statusNames {
		if s.Has(n.flag) {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ", ")
}

// Err returns the lowest set flag as an error, nil when the bus is healthy.
func (s StatusFlags) Err() error {
	for _, n := range statusNames {
		if s.Has(n.flag) {
			return errors.New(n.name)
		}
	}
	return nil
}

// ParseStatus decodes a status reply such as "F00\r".
func ParseStatus(data []byte) (StatusFlags, error) {
	line := bytes.TrimSuffix(data, []byte{CR})
	if len(line) != 3 || line[0] != CmdGetStatus.Tag() {
		return 0, fmt.Errorf("%w: status reply %q", ErrUnexpectedReply, data)
	}
	var b [1]byte
	if _, err := hex.Decode(b[:], line[1:3]); err != nil {
		return 0, fmt.Errorf("%w: status reply %q: %v", ErrUnexpectedReply, data, err)
	}
	return StatusFlags(b[0]), nil
}

// Version holds the hardware and software versions, each reported as two
// hex digits major.minor.
type Version struct {
	Hardware string
	Software string
}

func (v Version) String() string {
	return fmt.Sprintf("H/W %s S/W %s", dotted(v.Hardware), dotted(v.Software))
}

func dotted(s string) string {
	if len(s) != 2 {
		return s
	}
	return s[:1] + "." + s[1:]
}

// HardwareNumber returns the hardware version as a number, 10 for 1.0, or
// 0 when the digits are not decimal.
func (v Version) HardwareNumber() uint16 {
	return bcdNumber(v.Hardware)
}

// SoftwareNumber returns the software version as a number, 11 for 1.1, or
// 0 when the digits are not decimal.
func (v Version) SoftwareNumber() uint16 {
	return bcdNumber(v.Software)
}

func bcdNumber(s string) uint16 {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 1 || b[0]>>4 > 9 || b[0]&0x0F > 9 {
		return 0
	}
	return bcd.ToUint16([]byte{0x00, b[0]})
}

// ParseVersion decodes a version reply such as "V1011\r".
func ParseVersion(data []byte) (Version, error) {
	line := bytes.TrimSuffix(data, []byte{CR})
	if len(line) != 5 || line[0] != CmdGetVersion.Tag() {
		return Version{}, fmt.Errorf("%w: version reply %q", ErrUnexpectedReply, data)
	}
	var b [2]byte
	if _, err := hex.Decode(b[:], line[1:5]); err != nil {
		return Version{}, fmt.Errorf("%w: version reply %q: %v", ErrUnexpectedReply, data, err)
	}
	return Version{
		Hardware: string(line[1:3]),
		Software: string(line[3:5]),
	}, nil
}

// ParseSerial decodes a serial number reply such as "NA123\r".
func ParseSerial(data []byte) (string, error) {
	line := bytes.TrimSuffix(data, []byte{CR})
	if len(line) != 5 || line[0] != CmdGetSerial.Tag() {
		return "", fmt.Errorf("%w: serial reply %q", ErrUnexpectedReply, data)
	}
	return string(line[1:5]), nil
}
