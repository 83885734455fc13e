package training

import (
	"bytes"
	"strings"
	"testing"
)

func TestProgressBarInertOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	if IsTerminal(&buf) {
		t.Fatal("bytes.Buffer reported as terminal")
	}
	pb := NewProgressBar(&buf, "epoch 1/1", 10)
	for range 10 {
		pb.Advance(1, 0.5)
	}
	pb.Finish()
	if buf.Len() != 0 {
		t.Errorf("Expected no output off a terminal, got %q", buf.String())
	}
}

func TestModelArchitecturePrinter(t *testing.T) {
	net := newTestNetwork(t, 2)
	out := NewModelArchitecturePrinter("unet").Render(net.Spec(), 64, 64)

	for _, want := range []string{"unet", "enc1", "Conv2D", "Upsample", "Total parameters:", "Input size (MB): 0.016"} {
		if !strings.Contains(out, want) {
			t.Errorf("Architecture table missing %q:\n%s", want, out)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{7_760_000, "7.8M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.want {
			t.Errorf("formatParameterCount(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}
