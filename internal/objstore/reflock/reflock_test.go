package reflock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs", "x")

	held, err := Acquire(path, time.Second)
	require.NoError(t, err)

	_, err = Acquire(path, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBusy)

	held.Release()
	again, err := Acquire(path, time.Second)
	require.NoError(t, err)
	again.Release()
}

func TestCommit_ReplacesTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	lock, err := Acquire(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Commit([]byte("new\n")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(got))
	_, err = os.Stat(path + Suffix)
	assert.True(t, os.IsNotExist(err), "lock file must be gone")
}

func TestRemove_DeletesBeforeUnlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	lock, err := Acquire(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Remove())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + Suffix)
	assert.True(t, os.IsNotExist(err))

	lock, err = Acquire(path, time.Second)
	require.NoError(t, err)
	assert.NoError(t, lock.Remove(), "removing an absent target is not an error")
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	held, err := Acquire(path, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	next, err := Acquire(path, 2*time.Second)
	require.NoError(t, err)
	next.Release()
}
