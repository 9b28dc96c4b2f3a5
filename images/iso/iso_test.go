package iso

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/progress"
	isoProgress "github.com/projecteru2/openindiana-up/progress/iso"
)

func testConfig(t *testing.T) *config.Config {
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.Normalize()
	return conf
}

func isoServer(t *testing.T, body string) (*httptest.Server, *int32) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/missing.iso" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestEnsureDownloadsOnceIntoCache(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	srv, hits := isoServer(t, "ISO-BYTES")
	p := New(conf)

	var mu sync.Mutex
	var phases []isoProgress.Phase
	tracker := progress.NewTracker(func(e isoProgress.Event) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, e.Phase)
	})

	req := Request{Source: options.ClassifyInput(srv.URL + "/isos/OI-test.iso")}
	path, err := p.Ensure(ctx, req, tracker)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(conf.ISODir(), "OI-test.iso"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ISO-BYTES", string(data))
	assert.Contains(t, phases, isoProgress.PhaseDownload)
	assert.Equal(t, isoProgress.PhaseDone, phases[len(phases)-1])

	again, err := p.Ensure(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	entries, err := os.ReadDir(conf.ISODir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureExplicitOutput(t *testing.T) {
	conf := testConfig(t)
	srv, _ := isoServer(t, "x")
	out := filepath.Join(t.TempDir(), "nested", "custom.iso")

	path, err := New(conf).Ensure(context.Background(), Request{
		Source: options.ClassifyInput(srv.URL + "/a.iso"),
		Output: out,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, out, path)
	assert.FileExists(t, out)
}

func TestEnsureHTTPErrorLeavesNothing(t *testing.T) {
	conf := testConfig(t)
	srv, _ := isoServer(t, "x")

	_, err := New(conf).Ensure(context.Background(), Request{
		Source: options.ClassifyInput(srv.URL + "/missing.iso"),
	}, nil)
	require.Error(t, err)
	entries, _ := os.ReadDir(conf.ISODir())
	assert.Empty(t, entries)
}

func TestEnsureLocalPath(t *testing.T) {
	conf := testConfig(t)
	local := filepath.Join(t.TempDir(), "local.iso")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	path, err := New(conf).Ensure(context.Background(), Request{Source: options.ClassifyInput(local)}, nil)
	require.NoError(t, err)
	assert.Equal(t, local, path)

	_, err = New(conf).Ensure(context.Background(), Request{Source: options.ClassifyInput(local + ".nope")}, nil)
	assert.ErrorIs(t, err, ErrMediaNotFound)
}

func TestEnsureSkipsForPopulatedDrive(t *testing.T) {
	conf := testConfig(t)
	srv, hits := isoServer(t, "x")
	drive := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(drive, make([]byte, 512<<10), 0o644))

	path, err := New(conf).Ensure(context.Background(), Request{
		Source: options.ClassifyInput(srv.URL + "/a.iso"),
		Drive:  drive,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Zero(t, atomic.LoadInt32(hits))
}

func TestEnsureEmptyDriveStillFetches(t *testing.T) {
	conf := testConfig(t)
	srv, hits := isoServer(t, "x")
	drive := filepath.Join(t.TempDir(), "disk.raw")
	f, err := os.Create(drive)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(20<<30))
	require.NoError(t, f.Close())

	path, err := New(conf).Ensure(context.Background(), Request{
		Source: options.ClassifyInput(srv.URL + "/a.iso"),
		Drive:  drive,
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, path)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}
