package pcanrs

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReadTimeout  = 1 * time.Second
	DefaultPollInterval = 20 * time.Millisecond
)

type Opts func(d *Driver) error

// OptReadTimeout sets how long a single read waits for a reply line.
func OptReadTimeout(timeout time.Duration) Opts {
	return func(d *Driver) error {
		if timeout <= 0 {
			return errors.New("read timeout must be positive")
		}
		d.readTimeout = timeout
		return nil
	}
}

// OptPollInterval sets the read window Run uses between commands. It bounds
// how long Issue waits to take the link from the idle reader.
func OptPollInterval(interval time.Duration) Opts {
	return func(d *Driver) error {
		if interval <= 0 {
			return errors.New("poll interval must be positive")
		}
		d.pollInterval = interval
		return nil
	}
}

// OptFrameSink sets where unsolicited frames go. Frames are discarded when
// no sink is set.
func OptFrameSink(sink FrameSink) Opts {
	return func(d *Driver) error {
		if sink == nil {
			return errors.New("frame sink is nil")
		}
		d.sink = sink
		return nil
	}
}

func OptLogger(log *zap.Logger) Opts {
	return func(d *Driver) error {
		if log == nil {
			return errors.New("logger is nil")
		}
		d.log = log
		return nil
	}
}
