package cli

import (
	"fmt"
	"io"
	"math"
	"strings"

	"wipecert_enterprise/internal/session"
)

// ProgressPrinter turns session snapshots into status lines. A line is
// written when the phase or device changes, or progress moved by a whole
// percent.
type ProgressPrinter struct {
	w io.Writer

	phase   session.Phase
	device  string
	percent int
	started bool
}

func NewProgressPrinter(w io.Writer) *ProgressPrinter {
	return &ProgressPrinter{w: w, percent: -1}
}

// Render prints s if it is worth a line.
func (p *ProgressPrinter) Render(s session.State) {
	pct := int(math.Floor(s.OverallProgress))
	if p.started && s.Phase == p.phase && s.CurrentDeviceID == p.device && pct == p.percent {
		return
	}
	p.started = true
	p.phase, p.device, p.percent = s.Phase, s.CurrentDeviceID, pct

	line := fmt.Sprintf("[%3d%%] %d/%d %s", pct, s.CompletedCount, len(s.DeviceIDs), s.Phase)
	if s.CurrentDeviceID != "" {
		line += " " + s.CurrentDeviceID
	}
	fmt.Fprintln(p.w, line)
}

// Follow drains updates into the printer and returns the last snapshot.
func (p *ProgressPrinter) Follow(updates <-chan session.State) session.State {
	var last session.State
	for s := range updates {
		p.Render(s)
		last = s
	}
	return last
}

// PrintResult writes the per-device outcome table of a finished session.
func PrintResult(w io.Writer, res *session.Result) {
	fmt.Fprintln(w, "\nErasure results:")
	fmt.Fprintln(w, strings.Repeat("=", 18))
	for _, d := range res.Devices {
		fmt.Fprintf(w, "%s %s (%s) - %s", statusMark(d.Status), d.Device.ID, d.Device.Path, d.Status)
		if d.Outcome != nil && d.Outcome.Success {
			fmt.Fprintf(w, ", %s, %d pass(es)", d.Outcome.Method, d.Outcome.PassesPerformed)
		}
		fmt.Fprintln(w)
		if d.CertificateID != "" {
			fmt.Fprintf(w, "  Certificate: %s\n", d.CertificateID)
		}
		if d.Warning != "" {
			fmt.Fprintf(w, "  Warning: %s\n", d.Warning)
		}
		if d.Error != "" {
			fmt.Fprintf(w, "  Error [%s]: %s\n", d.ErrorKind, d.Error)
		}
	}
	fmt.Fprintf(w, "\nPhase: %s, certified %d/%d, duration %s\n",
		res.Phase, res.Count(session.StatusCertified), len(res.Devices),
		res.EndTime.Sub(res.StartTime).Round(1e6))
}

func statusMark(s session.DeviceStatus) string {
	switch s {
	case session.StatusCertified:
		return "✓"
	case session.StatusErasedUncertified, session.StatusSkipped, session.StatusCancelled:
		return "⚠"
	default:
		return "✗"
	}
}
