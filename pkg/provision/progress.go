package provision

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/newtron-network/p4ctl/pkg/cli"
	"github.com/newtron-network/p4ctl/pkg/fleet"
)

// Progress receives lifecycle callbacks during a run. Callbacks may come
// from several goroutines when devices are provisioned in parallel.
type Progress interface {
	RunStart(devices []*fleet.Device)
	DeviceReady(name string)
	DeviceEnd(result *DeviceResult)
	RunEnd(report *Report)
}

type nopProgress struct{}

func (nopProgress) RunStart([]*fleet.Device)  {}
func (nopProgress) DeviceReady(string)        {}
func (nopProgress) DeviceEnd(*DeviceResult)   {}
func (nopProgress) RunEnd(*Report)            {}

// consoleProgress is an append-only terminal progress reporter.
// It never uses ANSI cursor rewriting, so output is safe for pipes, CI,
// and scrollback buffers.
type consoleProgress struct {
	W       io.Writer
	Verbose bool

	mu       sync.Mutex
	dotWidth int
	done     int
	total    int
}

// NewConsoleProgress creates a console reporter writing to stdout.
func NewConsoleProgress(verbose bool) Progress {
	return &consoleProgress{W: os.Stdout, Verbose: verbose}
}

func (p *consoleProgress) RunStart(devices []*fleet.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = len(devices)
	maxName, rules := 0, 0
	for _, d := range devices {
		if len(d.Name) > maxName {
			maxName = len(d.Name)
		}
		rules += d.Tables.Count()
	}
	p.dotWidth = maxName + 6

	fmt.Fprintf(p.W, "\np4ctl: %d devices, %d rules\n\n", len(devices), rules)
}

func (p *consoleProgress) DeviceReady(name string) {
	if !p.Verbose {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.W, "          %s %s\n", cli.DotPad(name, p.dotWidth), cli.Dim("pipeline installed"))
}

func (p *consoleProgress) DeviceEnd(r *DeviceResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	tag := fmt.Sprintf("[%d/%d]", p.done, p.total)
	padded := cli.DotPad(r.Device, p.dotWidth)

	written, rejected := 0, 0
	for _, e := range r.Entries {
		switch e.Status {
		case StatusSuccess:
			written++
		case StatusFailed:
			rejected++
		}
	}

	switch {
	case r.Status == StatusSkipped:
		fmt.Fprintf(p.W, "  %-7s %s %s\n", tag, padded, cli.Yellow("SKIP"))
	case r.Status == StatusFailed:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%s)\n", tag, padded, cli.Red("FAIL"), r.Stage)
	case rejected > 0:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%d/%d entries, %s)\n", tag, padded, cli.Red("PARTIAL"), written, len(r.Entries), formatDurationCompact(r.Duration))
	default:
		fmt.Fprintf(p.W, "  %-7s %s %s  (%d entries, %s)\n", tag, padded, cli.Green("OK"), written, formatDurationCompact(r.Duration))
	}

	if p.Verbose && r.Err != nil {
		fmt.Fprintf(p.W, "          %s\n", cli.Dim(r.Error))
	}
}

func (p *consoleProgress) RunEnd(r *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := r.Counts()
	fmt.Fprintf(p.W, "\n---\n")
	fmt.Fprintf(p.W, "p4ctl: %d devices", len(r.Devices))

	parts := []string{}
	if c.Ready > 0 {
		parts = append(parts, cli.Green(fmt.Sprintf("%d ready", c.Ready)))
	}
	if c.Failed > 0 {
		parts = append(parts, cli.Red(fmt.Sprintf("%d failed", c.Failed)))
	}
	if c.Skipped > 0 {
		parts = append(parts, cli.Yellow(fmt.Sprintf("%d skipped", c.Skipped)))
	}
	if len(parts) > 0 {
		fmt.Fprintf(p.W, ": %s", strings.Join(parts, ", "))
	}
	fmt.Fprintf(p.W, "; %d entries written", c.Written)
	if c.Rejected > 0 {
		fmt.Fprintf(p.W, ", %s", cli.Red(fmt.Sprintf("%d rejected", c.Rejected)))
	}
	fmt.Fprintf(p.W, "  (%s)\n", formatDurationCompact(r.Duration))

	if c.Failed+c.Rejected > 0 {
		fmt.Fprintf(p.W, "\n  FAILED:\n")
		for _, err := range r.Failures() {
			fmt.Fprintf(p.W, "    %s\n", err)
		}
	}
	if r.Canceled {
		fmt.Fprintf(p.W, "\n  %s\n", cli.Yellow("run interrupted; remaining writes were not issued"))
	}
	fmt.Fprintln(p.W)
}

// formatDurationCompact formats a duration in a human-readable compact form.
func formatDurationCompact(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(100 * time.Millisecond)
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
