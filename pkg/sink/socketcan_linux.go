//go:build linux

package sink

import (
	"fmt"

	"github.com/brutella/can"
	"github.com/roffe/pcanrs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SocketCAN forwards frames to a Linux CAN interface such as can0 or vcan0.
type SocketCAN struct {
	name string
	bus  *can.Bus
	log  *zap.Logger
}

func NewSocketCAN(name string, log *zap.Logger) (*SocketCAN, error) {
	bus, err := can.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open CAN interface %s: %w", name, err)
	}
	return &SocketCAN{name: name, bus: bus, log: log}, nil
}

func (s *SocketCAN) HandleFrame(f pcanrs.Frame) error {
	if err := s.bus.Publish(toCAN(f)); err != nil {
		return fmt.Errorf("publish on %s: %w", s.name, err)
	}
	return nil
}

// Subscribe calls fn for every frame read from the interface. Frames
// sent by HandleFrame are not looped back.
func (s *SocketCAN) Subscribe(fn func(pcanrs.Frame)) {
	s.bus.SubscribeFunc(func(cf can.Frame) {
		f, err := fromCAN(cf)
		if err != nil {
			s.log.Warn("socketcan frame", zap.String("interface", s.name), zap.Error(err))
			return
		}
		fn(f)
	})
}

// Run reads from the interface until Close.
func (s *SocketCAN) Run() error {
	s.log.Info("socketcan connected", zap.String("interface", s.name))
	return s.bus.ConnectAndPublish()
}

func (s *SocketCAN) Close() error {
	return s.bus.Disconnect()
}

func toCAN(f pcanrs.Frame) can.Frame {
	cf := can.Frame{
		ID:     f.Identifier,
		Length: uint8(f.DataLength),
	}
	if f.Extended() {
		cf.ID |= unix.CAN_EFF_FLAG
	}
	if f.Remote() {
		cf.ID |= unix.CAN_RTR_FLAG
	}
	copy(cf.Data[:], f.Payload)
	return cf
}

func fromCAN(cf can.Frame) (pcanrs.Frame, error) {
	if cf.ID&unix.CAN_ERR_FLAG != 0 {
		return pcanrs.Frame{}, fmt.Errorf("error frame 0x%08X", cf.ID)
	}
	if cf.Length > pcanrs.MaxDataLength {
		return pcanrs.Frame{}, fmt.Errorf("%w: data length %d", pcanrs.ErrOutOfRange, cf.Length)
	}
	kind := pcanrs.Standard11
	id := cf.ID & unix.CAN_SFF_MASK
	if cf.ID&unix.CAN_EFF_FLAG != 0 {
		kind = pcanrs.Extended29
		id = cf.ID & unix.CAN_EFF_MASK
	}
	if cf.ID&unix.CAN_RTR_FLAG != 0 {
		return pcanrs.NewRemoteFrame(kind, id, int(cf.Length)), nil
	}
	payload := make([]byte, cf.Length)
	copy(payload, cf.Data[:cf.Length])
	return pcanrs.Frame{
		IDKind:     kind,
		Kind:       pcanrs.Data,
		Identifier: id,
		DataLength: int(cf.Length),
		Payload:    payload,
	}, nil
}
