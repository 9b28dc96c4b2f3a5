package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQemuImg records its argv next to the image it pretends to create.
func fakeQemuImg(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "qemu-img")
	script := "#!/bin/sh\n[ \"$1\" = create ] || exit 2\necho \"$@\" > \"$4.args\"\n: > \"$4\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755)) //nolint:gosec
	return path
}

func TestEnsureCreatesOnce(t *testing.T) {
	ctx := context.Background()
	p := &Provider{binary: fakeQemuImg(t)}
	img := filepath.Join(t.TempDir(), "vms", "disk.raw")

	created, err := p.Ensure(ctx, img, "raw", "20G")
	require.NoError(t, err)
	assert.True(t, created)

	args, err := os.ReadFile(img + ".args")
	require.NoError(t, err)
	assert.Equal(t, "create -f raw "+img+" 20G\n", string(args))

	info, err := os.Stat(img)
	require.NoError(t, err)

	created, err = p.Ensure(ctx, img, "raw", "20G")
	require.NoError(t, err)
	assert.False(t, created)

	again, err := os.Stat(img)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())
	assert.Equal(t, info.Size(), again.Size())
}

func TestEnsureReportsToolFailure(t *testing.T) {
	p := &Provider{binary: "false"}
	_, err := p.Ensure(context.Background(), filepath.Join(t.TempDir(), "d.qcow2"), "qcow2", "1G")
	assert.Error(t, err)
}
