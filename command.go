package pcanrs

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	CR  = 0x0D
	BEL = 0x07
)

type CommandKind int

const (
	CmdOpen CommandKind = iota
	CmdListen
	CmdClose
	CmdGetStatus
	CmdGetVersion
	CmdGetSerial
	CmdSetAcceptanceCode
	CmdSetAcceptanceMask
	CmdSetAutoPoll
	CmdSetAutoStartup
	CmdSetCANBitrate
	CmdSetBTR
	CmdSetUARTBitrate
	CmdSetFilterMode
	CmdSetTimestamp
	CmdWriteEEPROM
	CmdTransmitStandard
	CmdTransmitStandardRemote
	CmdTransmitExtended
	CmdTransmitExtendedRemote
	CmdRaw
)

// Precondition is the channel state a command needs. The driver hides the
// close/reopen or open/reclose wrapping from the caller.
type Precondition int

const (
	Any Precondition = iota
	RequiresClosed
	RequiresOpen
)

func (p Precondition) String() string {
	switch p {
	case Any:
		return "any"
	case RequiresClosed:
		return "requires closed"
	case RequiresOpen:
		return "requires open"
	default:
		return "unknown"
	}
}

type commandInfo struct {
	name         string
	tag          byte
	precondition Precondition
	replyTag     byte // first byte of the data reply, 0 when only an ack is expected
}

// Set-auto-startup is documented by the adapter as needing an open channel
// but the write-path wraps it the same way as get-status; kept as RequiresOpen.
var commandTable = map[CommandKind]commandInfo{
	CmdOpen:                   {"open", 'O', Any, 0},
	CmdListen:                 {"open-listen", 'L', Any, 0},
	CmdClose:                  {"close", 'C', Any, 0},
	CmdGetStatus:              {"get-status", 'F', RequiresOpen, 'F'},
	CmdGetVersion:             {"get-version", 'V', Any, 'V'},
	CmdGetSerial:              {"get-serial", 'N', Any, 'N'},
	CmdSetAcceptanceCode:      {"set-acceptance-code", 'M', Any, 0},
	CmdSetAcceptanceMask:      {"set-acceptance-mask", 'm', Any, 0},
	CmdSetAutoPoll:            {"set-auto-poll", 'X', RequiresClosed, 0},
	CmdSetAutoStartup:         {"set-auto-startup", 'Q', RequiresOpen, 0},
	CmdSetCANBitrate:          {"set-can-bitrate", 'S', RequiresClosed, 0},
	CmdSetBTR:                 {"set-btr0-btr1", 's', RequiresClosed, 0},
	CmdSetUARTBitrate:         {"set-uart-bitrate", 'U', RequiresClosed, 0},
	CmdSetFilterMode:          {"set-filter-mode", 'W', RequiresClosed, 0},
	CmdSetTimestamp:           {"set-timestamp", 'Z', RequiresClosed, 0},
	CmdWriteEEPROM:            {"write-eeprom", 'e', RequiresClosed, 0},
	CmdTransmitStandard:       {"transmit-standard-data", TagStandardData, Any, 0},
	CmdTransmitStandardRemote: {"transmit-standard-request", TagStandardRemote, Any, 0},
	CmdTransmitExtended:       {"transmit-extended-data", TagExtendedData, Any, 0},
	CmdTransmitExtendedRemote: {"transmit-extended-request", TagExtendedRemote, Any, 0},
	CmdRaw:                    {"raw", 0, Any, 0},
}

func (k CommandKind) String() string {
	if info, ok := commandTable[k]; ok {
		return info.name
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// Tag is the command letter sent to the adapter.
func (k CommandKind) Tag() byte {
	return commandTable[k].tag
}

func (k CommandKind) Precondition() Precondition {
	return commandTable[k].precondition
}

// Command is one adapter operation with its parameters.
type Command interface {
	Kind() CommandKind
	// Encode validates the parameters and returns the bytes to write,
	// terminator included.
	Encode() ([]byte, error)
}

func simple(k CommandKind) []byte {
	return []byte{k.Tag(), CR}
}

func withDigits(k CommandKind, v uint32, digits int) []byte {
	b := make([]byte, 0, digits+2)
	b = append(b, k.Tag())
	b = appendHexDigits(b, v, digits)
	return append(b, CR)
}

func checkSelector(k CommandKind, param string, v, max uint8) error {
	if v > max {
		return invalidArgument("%s: %s %d not in 0-%d", k, param, v, max)
	}
	return nil
}

func flagDigit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

type Open struct{}

func (Open) Kind() CommandKind       { return CmdOpen }
func (Open) Encode() ([]byte, error) { return simple(CmdOpen), nil }

type Listen struct{}

func (Listen) Kind() CommandKind       { return CmdListen }
func (Listen) Encode() ([]byte, error) { return simple(CmdListen), nil }

type Close struct{}

func (Close) Kind() CommandKind       { return CmdClose }
func (Close) Encode() ([]byte, error) { return simple(CmdClose), nil }

type GetStatus struct{}

func (GetStatus) Kind() CommandKind       { return CmdGetStatus }
func (GetStatus) Encode() ([]byte, error) { return simple(CmdGetStatus), nil }

type GetVersion struct{}

func (GetVersion) Kind() CommandKind       { return CmdGetVersion }
func (GetVersion) Encode() ([]byte, error) { return simple(CmdGetVersion), nil }

type GetSerial struct{}

func (GetSerial) Kind() CommandKind       { return CmdGetSerial }
func (GetSerial) Encode() ([]byte, error) { return simple(CmdGetSerial), nil }

// SetAcceptanceCode sets AC0..AC3 of the SJA1000, AC0 in the most
// significant byte.
type SetAcceptanceCode struct {
	Code uint32
}

func (SetAcceptanceCode) Kind() CommandKind { return CmdSetAcceptanceCode }
func (c SetAcceptanceCode) Encode() ([]byte, error) {
	return withDigits(CmdSetAcceptanceCode, c.Code, 8), nil
}

// SetAcceptanceMask sets AM0..AM3, a set bit means don't care.
type SetAcceptanceMask struct {
	Mask uint32
}

func (SetAcceptanceMask) Kind() CommandKind { return CmdSetAcceptanceMask }
func (c SetAcceptanceMask) Encode() ([]byte, error) {
	return withDigits(CmdSetAcceptanceMask, c.Mask, 8), nil
}

type SetAutoPoll struct {
	Enabled bool
}

func (SetAutoPoll) Kind() CommandKind { return CmdSetAutoPoll }
func (c SetAutoPoll) Encode() ([]byte, error) {
	return withDigits(CmdSetAutoPoll, flagDigit(c.Enabled), 1), nil
}

const (
	AutoStartupOff uint8 = iota
	AutoStartupNormal
	AutoStartupListen
)

// SetAutoStartup configures power-on behaviour. Any mode but off disables
// transmit commands on the adapter.
type SetAutoStartup struct {
	Mode uint8
}

func (SetAutoStartup) Kind() CommandKind { return CmdSetAutoStartup }
func (c SetAutoStartup) Encode() ([]byte, error) {
	if err := checkSelector(CmdSetAutoStartup, "mode", c.Mode, AutoStartupListen); err != nil {
		return nil, err
	}
	return withDigits(CmdSetAutoStartup, uint32(c.Mode), 1), nil
}

// SetCANBitrate selects one of the standard bitrates, see CANBitrates.
type SetCANBitrate struct {
	Selector uint8
}

func (SetCANBitrate) Kind() CommandKind { return CmdSetCANBitrate }
func (c SetCANBitrate) Encode() ([]byte, error) {
	if err := checkSelector(CmdSetCANBitrate, "selector", c.Selector, uint8(len(CANBitrates)-1)); err != nil {
		return nil, err
	}
	return withDigits(CmdSetCANBitrate, uint32(c.Selector), 1), nil
}

// SetBTR writes the SJA1000 bus timing registers directly.
type SetBTR struct {
	BTR0, BTR1 uint8
}

func (SetBTR) Kind() CommandKind { return CmdSetBTR }
func (c SetBTR) Encode() ([]byte, error) {
	return withDigits(CmdSetBTR, uint32(c.BTR0)<<8|uint32(c.BTR1), 4), nil
}

// SetUARTBitrate changes the adapter's serial speed, see UARTBaudrates.
type SetUARTBitrate struct {
	Selector uint8
}

func (SetUARTBitrate) Kind() CommandKind { return CmdSetUARTBitrate }
func (c SetUARTBitrate) Encode() ([]byte, error) {
	if err := checkSelector(CmdSetUARTBitrate, "selector", c.Selector, uint8(len(UARTBaudrates)-1)); err != nil {
		return nil, err
	}
	return withDigits(CmdSetUARTBitrate, uint32(c.Selector), 1), nil
}

// Baudrate is the host side speed matching the selector.
func (c SetUARTBitrate) Baudrate() int {
	return UARTBaudrates[c.Selector]
}

// SetFilterMode selects single (true) or dual (false) acceptance filtering.
type SetFilterMode struct {
	Single bool
}

func (SetFilterMode) Kind() CommandKind { return CmdSetFilterMode }
func (c SetFilterMode) Encode() ([]byte, error) {
	return withDigits(CmdSetFilterMode, flagDigit(c.Single), 1), nil
}

type SetTimestamp struct {
	Enabled bool
}

func (SetTimestamp) Kind() CommandKind { return CmdSetTimestamp }
func (c SetTimestamp) Encode() ([]byte, error) {
	return withDigits(CmdSetTimestamp, flagDigit(c.Enabled), 1), nil
}

const (
	EEPROMSave uint8 = iota
	EEPROMFactoryReset
	EEPROMDeleteAll
)

type WriteEEPROM struct {
	Op uint8
}

func (WriteEEPROM) Kind() CommandKind { return CmdWriteEEPROM }
func (c WriteEEPROM) Encode() ([]byte, error) {
	if err := checkSelector(CmdWriteEEPROM, "op", c.Op, EEPROMDeleteAll); err != nil {
		return nil, err
	}
	return []byte{CmdWriteEEPROM.Tag(), '0' + c.Op, CR}, nil
}

// Transmit sends a data frame. The payload is given either as bytes in
// Data or as a hex string in HexData, never both.
type Transmit struct {
	Extended   bool
	Identifier uint32
	Length     int
	Data       []byte
	HexData    string
}

func (c Transmit) Kind() CommandKind {
	if c.Extended {
		return CmdTransmitExtended
	}
	return CmdTransmitStandard
}

func (c Transmit) payload() ([]byte, error) {
	if c.HexData == "" {
		return c.Data, nil
	}
	if c.Data != nil {
		return nil, invalidArgument("%s: both Data and HexData set", c.Kind())
	}
	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(c.HexData), " ", ""))
	if err != nil {
		return nil, invalidArgument("%s: payload %q: %v", c.Kind(), c.HexData, err)
	}
	return b, nil
}

func (c Transmit) Frame() (Frame, error) {
	data, err := c.payload()
	if err != nil {
		return Frame{}, err
	}
	f := Frame{
		IDKind:     Standard11,
		Kind:       Data,
		Identifier: c.Identifier,
		DataLength: c.Length,
		Payload:    data,
	}
	if c.Extended {
		f.IDKind = Extended29
	}
	return f, nil
}

func (c Transmit) Encode() ([]byte, error) {
	f, err := c.Frame()
	if err != nil {
		return nil, err
	}
	return encodeFrameCommand(c.Kind(), f)
}

// TransmitRequest sends a remote frame asking for Length bytes.
type TransmitRequest struct {
	Extended   bool
	Identifier uint32
	Length     int
}

func (c TransmitRequest) Kind() CommandKind {
	if c.Extended {
		return CmdTransmitExtendedRemote
	}
	return CmdTransmitStandardRemote
}

func (c TransmitRequest) Frame() Frame {
	kind := Standard11
	if c.Extended {
		kind = Extended29
	}
	return NewRemoteFrame(kind, c.Identifier, c.Length)
}

func (c TransmitRequest) Encode() ([]byte, error) {
	return encodeFrameCommand(c.Kind(), c.Frame())
}

// TransmitFrame returns the transmit command matching f.
func TransmitFrame(f Frame) Command {
	if f.Remote() {
		return TransmitRequest{Extended: f.Extended(), Identifier: f.Identifier, Length: f.DataLength}
	}
	return Transmit{Extended: f.Extended(), Identifier: f.Identifier, Length: f.DataLength, Data: f.Payload}
}

func encodeFrameCommand(k CommandKind, f Frame) ([]byte, error) {
	b, err := AppendFrame(make([]byte, 0, 27), f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, k, err)
	}
	return append(b, CR), nil
}

// Raw passes a free-form command line to the adapter. The terminator is
// added by Encode.
type Raw struct {
	Text string
}

func (Raw) Kind() CommandKind { return CmdRaw }
func (c Raw) Encode() ([]byte, error) {
	if c.Text == "" {
		return nil, invalidArgument("raw: empty command")
	}
	if bytes.ContainsAny([]byte(c.Text), "\r\a") {
		return nil, invalidArgument("raw: %q contains a terminator", c.Text)
	}
	return append([]byte(c.Text), CR), nil
}
