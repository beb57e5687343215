//go:build linux

package sink

import (
	"testing"

	"github.com/brutella/can"
	"github.com/roffe/pcanrs"
)

func TestSocketCANConversion(t *testing.T) {
	tests := []struct {
		f  pcanrs.Frame
		id uint32
	}{
		{pcanrs.NewFrame(0x123, []byte{1, 2, 3}), 0x123},
		{pcanrs.NewFrame(0x18DAF110, []byte{0xFF}), 0x98DAF110},
		{pcanrs.NewRemoteFrame(pcanrs.Standard11, 0x7FF, 8), 0x400007FF},
		{pcanrs.NewRemoteFrame(pcanrs.Extended29, 0x10, 2), 0xC0000010},
	}
	for _, tt := range tests {
		cf := toCAN(tt.f)
		if cf.ID != tt.id || int(cf.Length) != tt.f.DataLength {
			t.Errorf("%s: id 0x%08X len %d", tt.f, cf.ID, cf.Length)
		}
		back, err := fromCAN(cf)
		if err != nil {
			t.Fatal(err)
		}
		if !back.Equal(tt.f) {
			t.Errorf("got %s, want %s", back, tt.f)
		}
	}
}

func TestSocketCANRejects(t *testing.T) {
	for _, cf := range []can.Frame{
		{ID: 0x20000004, Length: 8},
		{ID: 0x123, Length: 9},
	} {
		if _, err := fromCAN(cf); err == nil {
			t.Errorf("0x%08X/%d accepted", cf.ID, cf.Length)
		}
	}
}
