package system

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLookPath(present ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, p := range present {
			if p == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.Newf("%s: not found", name)
	}
}

func statusOf(t *testing.T, d *SystemDiagnostics, test DiagnosticTest) string {
	t.Helper()
	for _, r := range d.Results {
		if r.Test == test {
			return r.Status
		}
	}
	t.Fatalf("no result for %s", test)
	return ""
}

func TestDiagnosticsTools(t *testing.T) {
	tests := []struct {
		name    string
		present []string
		want    string
	}{
		{"all", []string{"shred", "nvme", "blkdiscard"}, StatusPass},
		{"some", []string{"shred"}, StatusWarn},
		{"none", nil, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewSystemDiagnosticsRunner(LevelQuick, TestTools, DiagnosticTargets{
				Tools:    []string{"shred", "nvme", "blkdiscard"},
				LookPath: fakeLookPath(tt.present...),
			})
			d, err := runner.RunDiagnostics(context.Background())
			require.NoError(t, err)
			require.Len(t, d.Results, 1)
			assert.Equal(t, tt.want, statusOf(t, d, TestTools))
		})
	}
}

func TestDiagnosticsFullLevel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are synthetic on windows")
	}
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")
	keyFile := filepath.Join(keyDir, "signing.key")

	targets := DiagnosticTargets{
		Tools:    []string{"shred"},
		Dirs:     map[string]string{"certificates": filepath.Join(dir, "certs"), "ledger": filepath.Join(dir, "ledger")},
		KeyDir:   keyDir,
		KeyFile:  keyFile,
		LookPath: fakeLookPath("shred"),
	}
	run := func() *SystemDiagnostics {
		d, err := NewSystemDiagnosticsRunner(LevelFull, "", targets).RunDiagnostics(context.Background())
		require.NoError(t, err)
		return d
	}

	d := run()
	require.Len(t, d.Results, 4)
	assert.Equal(t, StatusPass, statusOf(t, d, TestDirectories))
	assert.DirExists(t, filepath.Join(dir, "certs"))
	assert.Equal(t, StatusWarn, statusOf(t, d, TestKeys), "identity not created yet")

	require.NoError(t, os.MkdirAll(keyDir, 0700))
	require.NoError(t, os.WriteFile(keyFile, []byte("k"), 0600))
	assert.Equal(t, StatusPass, statusOf(t, run(), TestKeys))

	require.NoError(t, os.Chmod(keyFile, 0644))
	d = run()
	assert.Equal(t, StatusFail, statusOf(t, d, TestKeys))
	assert.Equal(t, "CRITICAL", d.Overall)

	out := filepath.Join(dir, "diag.json")
	require.NoError(t, SaveDiagnostics(d, out))
	assert.FileExists(t, out)
}

func TestDiagnosticsUnwritableDirectory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	d, err := NewSystemDiagnosticsRunner(LevelFull, TestDirectories, DiagnosticTargets{
		Dirs: map[string]string{"reports": filepath.Join(blocker, "reports")},
	}).RunDiagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFail, statusOf(t, d, TestDirectories))
}

func TestParseDiagnosticTest(t *testing.T) {
	got, err := ParseDiagnosticTest("keys")
	require.NoError(t, err)
	assert.Equal(t, TestKeys, got)

	_, err = ParseDiagnosticTest("network")
	assert.Error(t, err)
}
