package fs_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myco-mesh/myco/pkg/fs"
)

func TestLocker_LockAndClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "peers.lock")
	locker := fs.NewLocker(fs.NewReal())

	lk, err := locker.Lock(path)
	require.NoError(t, err)
	require.NoError(t, lk.Close())
	require.NoError(t, lk.Close()) // idempotent
}

func TestLocker_TryLock_WouldBlock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "peers.lock")
	locker := fs.NewLocker(fs.NewReal())

	held, err := locker.Lock(path)
	require.NoError(t, err)

	defer held.Close()

	_, err = locker.TryLock(path)
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrWouldBlock)
}

func TestLocker_LockWithTimeout_Expires(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "peers.lock")
	locker := fs.NewLocker(fs.NewReal())

	held, err := locker.Lock(path)
	require.NoError(t, err)

	defer held.Close()

	_, err = locker.LockWithTimeout(path, 20*time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrWouldBlock)
}

func TestLocker_LockWithTimeout_InvalidTimeout(t *testing.T) {
	t.Parallel()

	locker := fs.NewLocker(fs.NewReal())

	_, err := locker.LockWithTimeout(filepath.Join(t.TempDir(), "peers.lock"), 0)
	require.Error(t, err)
	require.ErrorIs(t, err, fs.ErrInvalidTimeout)
}

func TestLocker_LockReleasedUnblocksWaiter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "peers.lock")
	locker := fs.NewLocker(fs.NewReal())

	held, err := locker.Lock(path)
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = held.Close()
	}()

	go func() {
		lk, err := locker.LockWithTimeout(path, time.Second)
		require.NoError(t, err)
		_ = lk.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock handoff")
	}
}
