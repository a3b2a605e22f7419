package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFileExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	first, err := LockFile(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = LockFile(ctx, path)
	assert.Error(t, err, "second lock must wait while the first is held")

	require.NoError(t, first.Unlock())

	second, err := LockFile(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, second.Unlock())
	assert.NoError(t, second.Unlock())
}
