//go:build !linux

package sink

import (
	"errors"

	"github.com/roffe/pcanrs"
	"go.uber.org/zap"
)

var errNoSocketCAN = errors.New("socketcan is only available on linux")

type SocketCAN struct{}

func NewSocketCAN(name string, log *zap.Logger) (*SocketCAN, error) {
	return nil, errNoSocketCAN
}

func (s *SocketCAN) HandleFrame(pcanrs.Frame) error { return errNoSocketCAN }
func (s *SocketCAN) Subscribe(func(pcanrs.Frame))   {}
func (s *SocketCAN) Run() error                     { return errNoSocketCAN }
func (s *SocketCAN) Close() error                   { return nil }
