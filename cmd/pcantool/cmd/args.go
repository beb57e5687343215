package cmd

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/roffe/pcanrs"
)

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true", "yes":
		return true, nil
	case "off", "0", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("%q is not on or off", s)
}

// parseHex32 reads 8 hex digits with or without a 0x prefix.
func parseHex32(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q", s)
	}
	return uint32(v), nil
}

func parseHex8(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid register value %q", s)
	}
	return uint8(v), nil
}

// parseIdentifier reads hex identifiers as on the adapter's wire, 0x7E8 or
// 7e8; a leading # reads decimal.
func parseIdentifier(s string) (uint32, error) {
	base := 16
	if strings.HasPrefix(s, "#") {
		s, base = s[1:], 10
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), base, 32)
	if err != nil || v > pcanrs.MaxExtendedID {
		return 0, fmt.Errorf("invalid identifier %q", s)
	}
	return uint32(v), nil
}

func parseIdentifiers(args []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(args))
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part == "" {
				continue
			}
			id, err := parseIdentifier(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var autoStartModes = map[string]uint8{
	"off":    pcanrs.AutoStartupOff,
	"normal": pcanrs.AutoStartupNormal,
	"listen": pcanrs.AutoStartupListen,
}

var eepromOps = map[string]uint8{
	"save":    pcanrs.EEPROMSave,
	"factory": pcanrs.EEPROMFactoryReset,
	"clear":   pcanrs.EEPROMDeleteAll,
}

func lookup(table map[string]uint8, s, what string) (uint8, error) {
	v, ok := table[strings.ToLower(s)]
	if !ok {
		keys := make([]string, 0, len(table))
		for k := range table {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return 0, fmt.Errorf("unknown %s %q, one of %s", what, s, strings.Join(keys, ", "))
	}
	return v, nil
}

// frameFromArgs builds a frame from an identifier and hex payload:
//
//	send 7E0 02010C
//	send 18DAF110 02 10 01 --ext
//	send 123 --rtr --dlc 8
func frameFromArgs(args []string, extended, remote bool, dlc int) (pcanrs.Frame, error) {
	if len(args) == 0 {
		return pcanrs.Frame{}, fmt.Errorf("%w: missing identifier", pcanrs.ErrInvalidArgument)
	}
	id, err := parseIdentifier(args[0])
	if err != nil {
		return pcanrs.Frame{}, fmt.Errorf("%w: %w", pcanrs.ErrInvalidArgument, err)
	}
	kind := pcanrs.Standard11
	if extended || id > pcanrs.MaxStandardID {
		kind = pcanrs.Extended29
	}
	var f pcanrs.Frame
	if remote {
		if len(args) > 1 {
			return pcanrs.Frame{}, fmt.Errorf("%w: remote frames carry no data", pcanrs.ErrInvalidArgument)
		}
		f = pcanrs.NewRemoteFrame(kind, id, max(dlc, 0))
	} else {
		data, err := hex.DecodeString(strings.Join(args[1:], ""))
		if err != nil {
			return pcanrs.Frame{}, fmt.Errorf("%w: invalid data: %w", pcanrs.ErrInvalidArgument, err)
		}
		f = pcanrs.Frame{IDKind: kind, Kind: pcanrs.Data, Identifier: id, DataLength: len(data), Payload: data}
		if dlc >= 0 && dlc != len(data) {
			return pcanrs.Frame{}, fmt.Errorf("%w: %w: --dlc %d with %d data bytes", pcanrs.ErrInvalidArgument, pcanrs.ErrLengthMismatch, dlc, len(data))
		}
	}
	if _, err := pcanrs.EncodeFrame(f); err != nil {
		return pcanrs.Frame{}, fmt.Errorf("%w: %w", pcanrs.ErrInvalidArgument, err)
	}
	return f, nil
}
