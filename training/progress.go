package training

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/caljoseph/photochrom-ai/layers"
)

// ProgressBar renders per-epoch step progress on a terminal. On anything
// else it is inert and the structured log carries the progress instead.
type ProgressBar struct {
	bar *progressbar.ProgressBar
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// NewProgressBar creates a progress bar over total steps writing to w.
func NewProgressBar(w io.Writer, description string, total int) *ProgressBar {
	if !IsTerminal(w) || total <= 0 {
		return &ProgressBar{}
	}
	return &ProgressBar{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)}
}

// Advance moves the bar by n steps and shows the latest loss.
func (pb *ProgressBar) Advance(n int, loss float32) {
	if pb.bar == nil {
		return
	}
	pb.bar.Describe(fmt.Sprintf("loss %.4f", loss))
	_ = pb.bar.Add(n)
}

// Add moves the bar by n steps.
func (pb *ProgressBar) Add(n int) {
	if pb.bar == nil {
		return
	}
	_ = pb.bar.Add(n)
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.bar == nil {
		return
	}
	_ = pb.bar.Finish()
}

// ModelArchitecturePrinter renders a model spec as a table.
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// Render returns the layer table followed by parameter totals. Input height
// and width size the activation memory estimate.
func (p *ModelArchitecturePrinter) Render(spec *layers.ModelSpec, height, width int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(p.modelName)
	tw.AppendHeader(table.Row{"#", "Name", "Type", "Config", "Params"})
	for i, layer := range spec.Layers {
		tw.AppendRow(table.Row{i, layer.Name, layer.Type.String(), formatLayerConfig(layer), formatParameterCount(layer.ParameterCount())})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})

	total := spec.TotalParameters()
	var b strings.Builder
	b.WriteString(tw.Render())
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(&b, "Trainable parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(&b, "Input size (MB): %.3f\n", tensorMB(spec.InputChannels*height*width))
	fmt.Fprintf(&b, "Output size (MB): %.3f\n", tensorMB(spec.OutputChannels*height*width))
	fmt.Fprintf(&b, "Params size (MB): %.3f\n", tensorMB(int(total)))
	return b.String()
}

func formatLayerConfig(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		in, _ := layer.IntParam("in_channels")
		out, _ := layer.IntParam("out_channels")
		k, _ := layer.IntParam("kernel_size")
		pad, _ := layer.IntParam("padding")
		return fmt.Sprintf("%d→%d k=%d p=%d", in, out, k, pad)
	case layers.MaxPool2D:
		k, _ := layer.IntParam("kernel_size")
		return fmt.Sprintf("k=%d", k)
	case layers.Upsample:
		s, _ := layer.IntParam("scale_factor")
		return fmt.Sprintf("×%d bilinear", s)
	case layers.Concat:
		return strings.Join(layer.Inputs, " + ")
	default:
		return ""
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

func tensorMB(elements int) float64 {
	return float64(elements*4) / 1024 / 1024 // 4 bytes per float32
}
