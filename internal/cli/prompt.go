package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/wipe"
)

// Prompter asks the operator to confirm destructive actions.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

func (p *Prompter) prompt(text string) (string, error) {
	fmt.Fprint(p.out, text)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", errors.Wrap(err, "read confirmation")
	}
	return strings.TrimSpace(line), nil
}

// ConfirmSession lists what is about to be destroyed and wants YES back.
func (p *Prompter) ConfirmSession(devs []system.Device, opts wipe.Options) (bool, error) {
	fmt.Fprintf(p.out, "WARNING: all data on %d device(s) will be destroyed (%s, %d pass(es)):\n",
		len(devs), opts.Standard, opts.EffectivePasses())
	for _, d := range devs {
		fmt.Fprintf(p.out, "  %-12s %-16s %8s  %s %s\n", d.ID, d.Path, humanBytes(d.SizeBytes), d.Model, d.Serial)
	}
	answer, err := p.prompt("Type YES to continue: ")
	if err != nil {
		return false, err
	}
	return answer == "YES", nil
}

// ConfirmFixed is the elevated pathway for a non-removable device: the
// operator must type the device serial, or its path when the serial is
// unknown.
func (p *Prompter) ConfirmFixed(dev system.Device) (bool, error) {
	expect, what := dev.Serial, "serial number"
	if expect == "" {
		expect, what = dev.Path, "device path"
	}
	fmt.Fprintf(p.out, "%s (%s) is a fixed disk.\n", dev.ID, dev.Path)
	answer, err := p.prompt(fmt.Sprintf("Type its %s to confirm: ", what))
	if err != nil {
		return false, err
	}
	return answer == expect, nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
