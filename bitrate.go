package pcanrs

import (
	"fmt"
)

// CANBitrates lists the standard bitrates in kbit/s, indexed by selector.
var CANBitrates = [...]float64{10, 20, 50, 100, 125, 250, 500, 800, 1000}

// UARTBaudrates lists the adapter serial speeds, indexed by selector.
// 230400 is not guaranteed to work.
var UARTBaudrates = [...]int{230400, 115200, 57600, 38400, 19200, 9600, 2400}

// DefaultBaudrate is the adapter's factory serial speed.
const DefaultBaudrate = 57600

// SJA1000 bus timing for rates without a selector, 16MHz clock.
var btrRates = map[float64]SetBTR{
	33.3:    {BTR0: 0x0E, BTR1: 0x1C},
	47.619:  {BTR0: 0xCB, BTR1: 0x9A},
	615.384: {BTR0: 0x40, BTR1: 0x37},
}

// BitrateCommand returns the command that configures the given CAN rate.
func BitrateCommand(kbit float64) (Command, error) {
	for i, r := range CANBitrates {
		if r == kbit {
			return SetCANBitrate{Selector: uint8(i)}, nil
		}
	}
	if btr, ok := btrRates[kbit]; ok {
		return btr, nil
	}
	return nil, invalidArgument("unknown rate: %g kbit/s", kbit)
}

// UARTSelector returns the selector for a serial speed.
func UARTSelector(baud int) (uint8, error) {
	for i, b := range UARTBaudrates {
		if b == baud {
			return uint8(i), nil
		}
	}
	return 0, invalidArgument("unsupported baudrate %d", baud)
}

// AcceptanceFilter computes code and mask for single filter mode so that
// all the given standard identifiers pass. Other identifiers sharing the
// same fixed bits pass as well; no identifiers accepts everything.
func AcceptanceFilter(ids ...uint32) (code, mask uint32, err error) {
	if len(ids) == 0 {
		return 0, ^uint32(0), nil
	}
	var and, or uint32 = MaxStandardID, 0
	for _, id := range ids {
		if id > MaxStandardID {
			return 0, 0, invalidArgument("filter id 0x%X is not a standard identifier", id)
		}
		and &= id
		or |= id
	}
	// ACR0 holds ID.10-3, ACR1 bits 7-5 hold ID.2-0. RTR and the data
	// byte registers are left as don't care.
	code = and << 21
	mask = (and^or)<<21 | 0x001FFFFF
	return code, mask, nil
}

func (c SetCANBitrate) String() string {
	if int(c.Selector) < len(CANBitrates) {
		return fmt.Sprintf("%g kbit/s", CANBitrates[c.Selector])
	}
	return fmt.Sprintf("selector %d", c.Selector)
}
