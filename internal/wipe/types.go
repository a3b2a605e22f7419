package wipe

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnsupported is returned by a resolver for a platform/media combination
// it has no command for. It is never a silent no-op.
var ErrUnsupported = errors.New("unsupported platform or media")

// Options are the operator's erasure parameters for a session.
type Options struct {
	Standard Standard `json:"standard" yaml:"standard"`
	// Passes of zero selects the standard's default.
	Passes int  `json:"passes" yaml:"passes"`
	Verify bool `json:"verify" yaml:"verify"`
}

// EffectivePasses resolves the default and clamps to [MinPasses, MaxPasses].
func (o Options) EffectivePasses() int {
	if o.Passes <= 0 {
		return o.Standard.DefaultPasses()
	}
	return ClampPasses(o.Passes)
}

// Validate checks the standard. Pass counts are clamped, never rejected.
func (o Options) Validate() error {
	_, err := ParseStandard(string(o.Standard))
	return err
}

// ProgressFunc receives a device's progress fraction in [0,1]. It is called
// from the output path and must not block.
type ProgressFunc func(fraction float64)

// CommandSpec is a fully resolved erasure command. Args is always a vector
// and is never passed through a shell.
type CommandSpec struct {
	Path   string         `json:"path"`
	Args   []string       `json:"args"`
	Dir    string         `json:"dir"`
	Env    []string       `json:"env"`
	Method Method         `json:"method"`
	Passes int            `json:"passes"`
	Parser ProgressParser `json:"-"`
}

// String renders the command for audit logs.
func (c *CommandSpec) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "Timeout"
	KindCommandFailed ErrorKind = "CommandFailed"
	KindSpawnFailed   ErrorKind = "SpawnFailed"
	KindCancelled     ErrorKind = "Cancelled"
)

// Outcome is the record of one execution. Only the Executor creates them.
type Outcome struct {
	ID               string    `json:"id"`
	DeviceID         string    `json:"deviceId"`
	Success          bool      `json:"success"`
	Method           Method    `json:"method"`
	PassesPerformed  int       `json:"passesPerformed"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	DurationMs       int64     `json:"durationMs"`
	VerificationHash string    `json:"verificationHash"`
	RawOutputTail    string    `json:"rawOutputTail"`
	ErrorKind        ErrorKind `json:"errorKind,omitempty"`
	ExitCode         int       `json:"exitCode,omitempty"`
}

// ExecutorError is returned alongside a failed Outcome.
type ExecutorError struct {
	Kind       ErrorKind
	DeviceID   string
	ExitCode   int
	OutputTail string
	Err        error
}

func (e *ExecutorError) Error() string {
	switch e.Kind {
	case KindCommandFailed:
		return fmt.Sprintf("device %s: erasure command failed with exit code %d", e.DeviceID, e.ExitCode)
	case KindTimeout:
		return fmt.Sprintf("device %s: erasure command timed out", e.DeviceID)
	case KindCancelled:
		return fmt.Sprintf("device %s: erasure cancelled", e.DeviceID)
	default:
		if e.Err != nil {
			return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Kind, e.Err)
		}
		return fmt.Sprintf("device %s: %s", e.DeviceID, e.Kind)
	}
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// KindOf returns the executor error kind carried by err.
func KindOf(err error) (ErrorKind, bool) {
	var ee *ExecutorError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}
