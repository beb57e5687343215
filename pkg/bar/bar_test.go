package bar

import (
	"bytes"
	"strings"
	"testing"
)

func TestBarCountsFrames(t *testing.T) {
	var buf bytes.Buffer
	b := newBar(&buf, 4, "capturing")
	for i := 0; i < 4; i++ {
		if err := b.Add(1); err != nil {
			t.Fatal(err)
		}
	}
	if st := b.State(); st.CurrentPercent != 1 {
		t.Errorf("percent = %v", st.CurrentPercent)
	}
	out := buf.String()
	if !strings.Contains(out, "capturing") || !strings.Contains(out, "4/4") {
		t.Errorf("output = %q", out)
	}
}
