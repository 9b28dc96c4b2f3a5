package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.pid")

	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o600))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("0"), 0o600))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path))
	_, err = ReadPIDFile(path)
	assert.True(t, os.IsNotExist(err))
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))
	assert.False(t, IsProcessAlive(0))
	assert.False(t, IsProcessAlive(-1))
}

func TestVerifyProcessSelf(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.True(t, VerifyProcess(os.Getpid(), exe))
	if ProcessCmdline(os.Getpid()) != nil {
		assert.False(t, VerifyProcess(os.Getpid(), "qemu-system-x86_64"))
	}
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	n := 0
	err := WaitFor(ctx, time.Second, time.Millisecond, func() (bool, error) {
		n++
		return n >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = WaitFor(ctx, 20*time.Millisecond, 5*time.Millisecond, func() (bool, error) { return false, nil })
	assert.True(t, errors.Is(err, ErrTimeout))

	boom := errors.New("boom")
	err = WaitFor(ctx, time.Second, time.Millisecond, func() (bool, error) { return false, boom })
	assert.Same(t, boom, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = WaitFor(cctx, time.Second, time.Millisecond, func() (bool, error) { return false, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAppendLineAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.conf")

	changed, err := AppendLineAtomic(path, "allow br0", 0o644)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = AppendLineAtomic(path, "allow br0", 0o644)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte("allow br0\nallow virbr1"), 0o644))
	changed, err = AppendLineAtomic(path, "allow br2", 0o644)
	require.NoError(t, err)
	assert.True(t, changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "allow br0\nallow virbr1\nallow br2\n", string(data))
}

func TestTailLines(t *testing.T) {
	lines, err := TailLines(strings.NewReader("a\nb\nc\nd\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, lines)

	lines, err = TailLines(strings.NewReader("a\n"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, lines)

	lines, err = TailLines(strings.NewReader(""), 10)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestAllocatedKBSparse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<30))
	require.NoError(t, f.Close())

	kb, err := AllocatedKB(path)
	require.NoError(t, err)
	assert.Less(t, kb, int64(100))

	_, err = AllocatedKB(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFilterUnreferencedAndRemoveFiles(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a.log", "b.log", "c.pid"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o600))
	}
	stems := ScanFileStems(dir, ".log")
	assert.ElementsMatch(t, []string{"a", "b"}, stems)

	orphans := FilterUnreferenced(stems, map[string]struct{}{"a": {}})
	assert.Equal(t, []string{"b"}, orphans)

	errs := RemoveFiles(context.Background(), dir, ".log", orphans)
	assert.Empty(t, errs)
	assert.False(t, Exists(filepath.Join(dir, "b.log")))
	assert.True(t, Exists(filepath.Join(dir, "a.log")))
}
