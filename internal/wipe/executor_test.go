//go:build !windows

package wipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"wipecert_enterprise/internal/system"
)

func shellSpec(script string, passes int) *CommandSpec {
	return &CommandSpec{
		Path:   "/bin/sh",
		Args:   []string{"-c", script},
		Env:    unixEnv,
		Method: MethodOverwrite,
		Passes: passes,
		Parser: ShredParser,
	}
}

var testDevice = system.Device{ID: "usb-1", Path: "/dev/sdb", MediaClass: system.MediaUSB, Removable: true}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) record(f float64) {
	p.mu.Lock()
	p.values = append(p.values, f)
	p.mu.Unlock()
}

func (p *progressLog) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

func TestExecuteSuccess(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	progress := &progressLog{}

	out, err := e.Execute(context.Background(), testDevice,
		shellSpec(`echo "pass 1/3"; echo "pass 2/3"; echo "pass 3/3"`, 3), progress.record)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, 3, out.PassesPerformed)
	assert.Equal(t, "usb-1", out.DeviceID)
	assert.NotEmpty(t, out.ID)
	assert.Empty(t, out.ErrorKind)
	assert.GreaterOrEqual(t, out.DurationMs, int64(0))
	assert.False(t, out.EndTime.Before(out.StartTime))

	sum := sha256.Sum256([]byte("pass 1/3\npass 2/3\npass 3/3\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), out.VerificationHash)
	assert.Equal(t, "pass 1/3\npass 2/3\npass 3/3\n", out.RawOutputTail)

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 1.0, values[len(values)-1])
	for i := 1; i < len(values); i++ {
		assert.GreaterOrEqual(t, values[i], values[i-1], "progress decreased: %v", values)
	}
}

func TestExecuteProgressNeverDecreases(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	progress := &progressLog{}

	script := `for p in 10 40 20 60 5 90; do echo "$p%"; echo "pass 1/4" >&2; done`
	_, err := e.Execute(context.Background(), testDevice, shellSpec(script, 4), progress.record)
	require.NoError(t, err)

	values := progress.snapshot()
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1], "progress not increasing: %v", values)
	}
}

func TestExecuteCommandFailed(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))

	out, err := e.Execute(context.Background(), testDevice, shellSpec(`echo "shred: /dev/sdb: Input/output error" >&2; exit 3`, 1), nil)
	require.Error(t, err)

	var ee *ExecutorError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, KindCommandFailed, ee.Kind)
	assert.Equal(t, 3, ee.ExitCode)
	assert.Contains(t, ee.OutputTail, "Input/output error")
	assert.Equal(t, "usb-1", ee.DeviceID)

	require.NotNil(t, out)
	assert.False(t, out.Success)
	assert.Equal(t, KindCommandFailed, out.ErrorKind)
	assert.Equal(t, 3, out.ExitCode)
}

func TestExecuteTimeoutKillsChild(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	e := NewExecutor(zaptest.NewLogger(t), WithTimeout(300*time.Millisecond), WithTerminateGrace(time.Second))

	start := time.Now()
	out, err := e.Execute(context.Background(), testDevice, shellSpec(`echo $$ > `+pidFile+`; sleep 30`, 1), nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
	assert.Equal(t, KindTimeout, out.ErrorKind)
	assert.False(t, out.Success)

	raw, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, convErr)
	assert.Equal(t, unix.ESRCH, unix.Kill(pid, 0), "child %d still running", pid)
}

func TestExecuteTimeoutEscalatesToKill(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t), WithTimeout(200*time.Millisecond), WithTerminateGrace(200*time.Millisecond))

	start := time.Now()
	_, err := e.Execute(context.Background(), testDevice, shellSpec(`trap "" TERM; sleep 30`, 1), nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t), WithTerminateGrace(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	out, err := e.Execute(ctx, testDevice, shellSpec(`echo "pass 1/2"; sleep 30`, 2), func(float64) {
		once.Do(cancel)
	})

	kind, ok := KindOf(err)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, KindCancelled, kind)
	assert.Contains(t, out.RawOutputTail, "pass 1/2")
}

func TestExecuteAlreadyCancelledNeverSpawns(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	e := NewExecutor(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := e.Execute(ctx, testDevice, shellSpec(`touch `+marker, 1), nil)
	kind, ok := KindOf(err)
	require.True(t, ok, "unexpected error %v", err)
	assert.Equal(t, KindCancelled, kind)
	assert.Equal(t, KindCancelled, out.ErrorKind)
	assert.False(t, out.Success)
	assert.NoFileExists(t, marker)

	spec := shellSpec("", 1)
	spec.Path = filepath.Join(t.TempDir(), "no-such-tool")
	_, err = e.Execute(ctx, testDevice, spec, nil)
	kind, _ = KindOf(err)
	assert.Equal(t, KindCancelled, kind)
}

func TestExecuteSpawnFailed(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t))
	spec := shellSpec("", 1)
	spec.Path = filepath.Join(t.TempDir(), "no-such-tool")

	out, err := e.Execute(context.Background(), testDevice, spec, nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSpawnFailed, kind)
	assert.Equal(t, KindSpawnFailed, out.ErrorKind)
}

func TestExecuteLogsOutputVolume(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	e := NewExecutor(zap.New(core), WithTailBytes(4))

	_, err := e.Execute(context.Background(), testDevice, shellSpec(`echo "pass 1/1"`, 1), nil)
	require.NoError(t, err)

	done := logs.FilterMessage("Erasure command completed").All()
	require.Len(t, done, 1)
	assert.Equal(t, int64(len("pass 1/1\n")), done[0].ContextMap()["output_bytes"])
}

func TestExecuteTailBounded(t *testing.T) {
	e := NewExecutor(zaptest.NewLogger(t), WithTailBytes(100))

	out, err := e.Execute(context.Background(), testDevice,
		shellSpec(`i=0; while [ $i -lt 500 ]; do echo "line $i of output"; i=$((i+1)); done`, 1), nil)
	require.NoError(t, err)
	assert.Len(t, out.RawOutputTail, 100)
	assert.True(t, strings.HasSuffix(out.RawOutputTail, "line 499 of output\n"))
}

func TestExecuteCleanEnvironment(t *testing.T) {
	t.Setenv("WIPECERT_LEAK_CHECK", "should-not-pass")
	e := NewExecutor(zaptest.NewLogger(t))

	out, err := e.Execute(context.Background(), testDevice, shellSpec(`env`, 1), nil)
	require.NoError(t, err)
	assert.NotContains(t, out.RawOutputTail, "WIPECERT_LEAK_CHECK")
	assert.Contains(t, out.RawOutputTail, "LC_ALL=C")
}
