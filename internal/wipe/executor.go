package wipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"wipecert_enterprise/internal/system"
	"wipecert_enterprise/internal/telemetry"
)

const (
	DefaultTimeout        = time.Hour
	DefaultTerminateGrace = 5 * time.Second
	DefaultTailBytes      = 64 * 1024

	// carryBytes of the previous chunk are re-fed to the parser so a marker
	// split across two reads is still seen.
	carryBytes = 64
)

// Executor supervises one external erasure process at a time per call.
type Executor struct {
	logger    *zap.Logger
	timeout   time.Duration
	grace     time.Duration
	tailBytes int
}

type ExecutorOption func(*Executor)

func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithTerminateGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

func WithTailBytes(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.tailBytes = n
		}
	}
}

func NewExecutor(logger *zap.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:    logger,
		timeout:   DefaultTimeout,
		grace:     DefaultTerminateGrace,
		tailBytes: DefaultTailBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs spec against dev and waits for it to exit, time out, or be
// cancelled through ctx. A failed run returns both the failed Outcome and an
// *ExecutorError.
func (e *Executor) Execute(ctx context.Context, dev system.Device, spec *CommandSpec, onProgress ProgressFunc) (outcome *Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "wipe.execute",
		attribute.String("device.id", dev.ID),
		attribute.String("wipe.method", string(spec.Method)),
	)
	defer func() { telemetry.End(span, err) }()

	log := e.logger.With(
		zap.String("device_id", dev.ID),
		zap.String("device_path", dev.Path),
		zap.String("method", string(spec.Method)),
	)

	tracker := &progressTracker{notify: onProgress}
	sink := newOutputSink(e.tailBytes, spec.Parser, tracker)

	outcome = &Outcome{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		Method:    spec.Method,
		StartTime: time.Now().UTC(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.finish(outcome, sink)
		outcome.ErrorKind = KindCancelled
		log.Warn("Erasure cancelled before the command was started")
		return outcome, &ExecutorError{Kind: KindCancelled, DeviceID: dev.ID, Err: ctxErr}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	if cmd.Env == nil {
		// nil would inherit our environment
		cmd.Env = []string{}
	}
	cmd.Stdout = sink.stream()
	cmd.Stderr = sink.stream()
	cmd.WaitDelay = e.grace
	setProcessGroup(cmd)

	log.Info("Starting erasure command", zap.String("command", spec.String()), zap.Duration("timeout", e.timeout))

	if startErr := cmd.Start(); startErr != nil {
		e.finish(outcome, sink)
		outcome.ErrorKind = KindSpawnFailed
		log.Error("Erasure command could not be started", zap.Error(startErr))
		return outcome, &ExecutorError{
			Kind:     KindSpawnFailed,
			DeviceID: dev.ID,
			Err:      errors.Wrapf(startErr, "start %s", spec.Path),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	var waitErr error
	var kind ErrorKind
	select {
	case waitErr = <-done:
	case <-timer.C:
		kind = KindTimeout
		log.Warn("Erasure command exceeded its deadline, terminating", zap.Duration("timeout", e.timeout))
		waitErr = e.terminate(cmd, done, log)
	case <-ctx.Done():
		kind = KindCancelled
		log.Warn("Erasure cancelled, terminating command")
		waitErr = e.terminate(cmd, done, log)
	}

	e.finish(outcome, sink)

	if kind != "" {
		log.Warn("Erasure command stopped",
			zap.String("kind", string(kind)),
			zap.Float64("progress", tracker.value()),
			zap.Int64("output_bytes", sink.tail.Total()))
		outcome.ErrorKind = kind
		return outcome, &ExecutorError{Kind: kind, DeviceID: dev.ID, OutputTail: outcome.RawOutputTail, Err: waitErr}
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		outcome.ErrorKind = KindCommandFailed
		outcome.ExitCode = exitCode
		log.Error("Erasure command failed",
			zap.Int("exit_code", exitCode),
			zap.Float64("progress", tracker.value()),
			zap.Int64("output_bytes", sink.tail.Total()),
			zap.Int64("duration_ms", outcome.DurationMs),
			zap.Error(waitErr))
		return outcome, &ExecutorError{
			Kind:       KindCommandFailed,
			DeviceID:   dev.ID,
			ExitCode:   exitCode,
			OutputTail: outcome.RawOutputTail,
			Err:        waitErr,
		}
	}

	tracker.observe(1)
	outcome.Success = true
	outcome.PassesPerformed = spec.Passes
	log.Info("Erasure command completed",
		zap.Int("passes", spec.Passes),
		zap.Int64("duration_ms", outcome.DurationMs),
		zap.Int64("output_bytes", sink.tail.Total()),
		zap.String("output_sha256", outcome.VerificationHash))
	return outcome, nil
}

// terminate signals the process group, escalates to a kill after the grace
// period and waits until the child has been reaped.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error, log *zap.Logger) error {
	if err := signalTerminate(cmd); err != nil {
		log.Debug("Terminate signal failed", zap.Error(err))
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
		log.Warn("Process ignored terminate signal, killing", zap.Duration("grace", e.grace))
		if err := signalKill(cmd); err != nil {
			log.Debug("Kill failed", zap.Error(err))
		}
		return <-done
	}
}

func (e *Executor) finish(outcome *Outcome, sink *outputSink) {
	outcome.EndTime = time.Now().UTC()
	outcome.DurationMs = outcome.EndTime.Sub(outcome.StartTime).Milliseconds()
	outcome.VerificationHash = sink.digest()
	outcome.RawOutputTail = sink.tail.String()
}

// outputSink receives both output streams. The digest covers every byte in
// arrival order; only the tail is retained.
type outputSink struct {
	mu      sync.Mutex
	hash    hash.Hash
	tail    *tailBuffer
	parser  ProgressParser
	tracker *progressTracker
}

func newOutputSink(tailBytes int, parser ProgressParser, tracker *progressTracker) *outputSink {
	return &outputSink{
		hash:    sha256.New(),
		tail:    newTailBuffer(tailBytes),
		parser:  parser,
		tracker: tracker,
	}
}

func (s *outputSink) stream() *streamWriter {
	return &streamWriter{sink: s}
}

func (s *outputSink) digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hex.EncodeToString(s.hash.Sum(nil))
}

// streamWriter is used by exactly one copying goroutine.
type streamWriter struct {
	sink  *outputSink
	carry []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	s := w.sink
	s.mu.Lock()
	s.hash.Write(p)
	s.tail.Write(p)
	s.mu.Unlock()

	if s.parser == nil {
		return len(p), nil
	}

	buf := append(w.carry, p...)
	if v, ok := s.parser.Parse(buf); ok {
		s.tracker.observe(v)
	}
	if len(buf) > carryBytes {
		buf = buf[len(buf)-carryBytes:]
	}
	w.carry = append(w.carry[:0:0], buf...)
	return len(p), nil
}
