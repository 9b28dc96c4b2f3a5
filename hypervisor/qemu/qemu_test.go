package qemu

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/gc"
	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/images/iso"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/progress"
	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/storage/sqlite"
	"github.com/projecteru2/openindiana-up/supervisor"
	"github.com/projecteru2/openindiana-up/types"
)

type fakeHost struct {
	mu      sync.Mutex
	alive   map[int]bool
	killers map[syscall.Signal]bool // signals that end the process
	signals []syscall.Signal
	privs   []bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{alive: map[int]bool{}, killers: map[syscall.Signal]bool{}}
}

func (h *fakeHost) set(pid int, alive bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive[pid] = alive
}

func (h *fakeHost) Alive(pid int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive[pid]
}

func (h *fakeHost) Owns(pid int, _ string) bool { return h.Alive(pid) }

func (h *fakeHost) Signal(_ context.Context, pid int, sig syscall.Signal, privileged bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	h.privs = append(h.privs, privileged)
	if h.killers[sig] {
		h.alive[pid] = false
	}
	return nil
}

// fakeSupervisor hands out increasing pids. Detached children stay alive in
// the fake host; attached ones have already exited when Wait is called.
type fakeSupervisor struct {
	mu    sync.Mutex
	host  *fakeHost
	next  int
	specs []supervisor.Spec
	err   error
}

func (s *fakeSupervisor) Spawn(_ context.Context, spec supervisor.Spec) (*supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.next++
	pid := 1000 + s.next
	s.specs = append(s.specs, spec)
	if spec.Detach {
		s.host.set(pid, true)
	}
	return &supervisor.Process{PID: pid, Detached: spec.Detach}, nil
}

type fakeMedia struct {
	path string
	reqs []iso.Request
}

func (m *fakeMedia) Ensure(_ context.Context, req iso.Request, _ progress.Tracker) (string, error) {
	m.reqs = append(m.reqs, req)
	return m.path, nil
}

type diskCall struct{ path, format, size string }

type fakeDisk struct{ calls []diskCall }

func (d *fakeDisk) Ensure(_ context.Context, path, format, size string) (bool, error) {
	d.calls = append(d.calls, diskCall{path, format, size})
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	return true, os.WriteFile(path, nil, 0o644)
}

type fakeBridge struct{ names []string }

func (b *fakeBridge) Ensure(_ context.Context, name string) error {
	b.names = append(b.names, name)
	return nil
}

type harness struct {
	q      *QEMU
	conf   *config.Config
	store  *sqlite.Store
	host   *fakeHost
	sup    *fakeSupervisor
	media  *fakeMedia
	disk   *fakeDisk
	bridge *fakeBridge
	iso    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	conf := config.DefaultConfig()
	conf.RootDir = root
	conf.RunDir = filepath.Join(root, "run")
	conf.LogDir = filepath.Join(root, "logs")
	conf.StopGraceSeconds = 0
	conf.KillWaitSeconds = 0
	conf.RestartDelaySeconds = 0
	conf.PoolSize = 2

	isoPath := filepath.Join(root, "isos", "OI-hipster-text-20251026.iso")
	require.NoError(t, os.MkdirAll(filepath.Dir(isoPath), 0o755))
	require.NoError(t, os.WriteFile(isoPath, []byte("iso"), 0o644))
	isoPath, err := filepath.EvalSymlinks(isoPath)
	require.NoError(t, err)

	store, err := sqlite.Open(ctx, conf.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		conf:   conf,
		store:  store,
		host:   newFakeHost(),
		media:  &fakeMedia{path: isoPath},
		disk:   &fakeDisk{},
		bridge: &fakeBridge{},
		iso:    isoPath,
	}
	h.sup = &fakeSupervisor{host: h.host}
	h.q, err = New(conf, store, Deps{
		Supervisor: h.sup,
		Host:       h.host,
		Media:      h.media,
		Disk:       h.disk,
		Bridge:     h.bridge,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, raw options.Raw) *types.VM {
	t.Helper()
	r, err := options.Resolve(context.Background(), raw)
	require.NoError(t, err)
	vm, err := h.q.Run(context.Background(), r, nil)
	require.NoError(t, err)
	return vm
}

func TestRunDefaultsDownloadLatestAndUseNAT(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	vm := h.run(t, options.Raw{Detach: true})

	require.Len(t, h.media.reqs, 1)
	assert.Equal(t, options.DownloadURL(options.DefaultVersion), h.media.reqs[0].Source.URL)
	assert.Empty(t, h.disk.calls)
	assert.Empty(t, h.bridge.names)

	require.Len(t, h.sup.specs, 1)
	spec := h.sup.specs[0]
	assert.True(t, spec.Detach)
	assert.False(t, spec.Privileged)
	assert.Equal(t, h.conf.VMLogFile(vm.Config.Name), spec.LogFile)
	assert.Contains(t, spec.Command.Args, "user,id=net0,hostfwd=tcp::2222-:22")
	assert.Contains(t, spec.Command.Args, h.iso)
	assert.Contains(t, spec.Command.Args, "e1000,netdev=net0,mac="+vm.MACAddress)

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, stored.State)
	assert.Equal(t, 1001, stored.PID)
	assert.NotEmpty(t, stored.Config.Name)
	assert.Equal(t, options.DefaultVersion, stored.Config.Boot.Version)
	assert.Equal(t, h.iso, types.Deref(stored.Config.Boot.ISOPath))
}

func TestRunWithDriveCreatesDisk(t *testing.T) {
	h := newHarness(t)
	drive := filepath.Join(t.TempDir(), "oi.raw")

	vm := h.run(t, options.Raw{Name: "oi", Drive: drive, Detach: true})

	require.Len(t, h.disk.calls, 1)
	assert.Equal(t, diskCall{drive, "raw", "20G"}, h.disk.calls[0])
	assert.Equal(t, drive, h.media.reqs[0].Drive)
	assert.Equal(t, "oi", vm.Config.Name)

	canonical, err := filepath.EvalSymlinks(drive)
	require.NoError(t, err)
	require.NotNil(t, vm.Config.Disk.Path)
	assert.Equal(t, canonical, *vm.Config.Disk.Path)
	assert.Contains(t, h.sup.specs[0].Command.Args, "file="+canonical+",format=raw,if=none,id=disk0")
}

func TestRunStoresSymlinkFreeDrivePath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "real.raw")
	link := filepath.Join(dir, "link.raw")
	require.NoError(t, os.WriteFile(target, []byte("disk"), 0o644))
	require.NoError(t, os.Symlink(target, link))
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	vm := h.run(t, options.Raw{Name: "linked", Drive: link, Detach: true})

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Config.Disk.Path)
	assert.Equal(t, want, *stored.Config.Disk.Path)
	assert.Contains(t, h.sup.specs[0].Command.Args, "file="+want+",format=raw,if=none,id=disk0")
}

func TestRunBridgedEnsuresBridgeAndEscalates(t *testing.T) {
	h := newHarness(t)

	vm := h.run(t, options.Raw{Bridge: "br0", Detach: true})

	assert.Equal(t, []string{"br0"}, h.bridge.names)
	spec := h.sup.specs[0]
	assert.True(t, spec.Privileged)
	assert.Equal(t, "sudo", spec.Command.Path)
	assert.Equal(t, h.conf.VMPIDFile(vm.ID), spec.PIDFile)
	assert.Contains(t, spec.Command.Args, "bridge,id=net0,br=br0")
}

func TestRunAttachedMarksStoppedOnExit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	vm := h.run(t, options.Raw{Name: "fg"})
	assert.Equal(t, types.VMStateStopped, vm.State)

	stored, err := h.store.Lookup(ctx, "fg")
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, stored.State)
	assert.Zero(t, stored.PID)
}

func TestRunSpawnFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sup.err = errors.New("exec: qemu-system-x86_64: not found")

	r, err := options.Resolve(ctx, options.Raw{Name: "broken", Detach: true})
	require.NoError(t, err)
	_, err = h.q.Run(ctx, r, nil)
	require.Error(t, err)

	vms, err := h.store.List(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, vms)
}

func TestRunRejectsTakenName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, options.Raw{Name: "dup", Detach: true})

	r, err := options.Resolve(ctx, options.Raw{Name: "dup", Detach: true})
	require.NoError(t, err)
	_, err = h.q.Run(ctx, r, nil)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	assert.Len(t, h.sup.specs, 1)
}

func TestStopGracefulTermination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "s1", Detach: true})
	h.host.killers[syscall.SIGTERM] = true

	stopped, err := h.q.Stop(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, stopped)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, h.host.signals)

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, stored.State)
	assert.Zero(t, stored.PID)
}

func TestStopEscalatesToKill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, options.Raw{Name: "stubborn", Bridge: "br0", Detach: true})
	h.host.killers[syscall.SIGKILL] = true

	_, err := h.q.Stop(ctx, []string{"stubborn"})
	require.NoError(t, err)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, h.host.signals)
	assert.Equal(t, []bool{true, true}, h.host.privs)

	stored, err := h.store.Lookup(ctx, "stubborn")
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, stored.State)
}

func TestStopTerminateFailedKeepsStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "immortal", Detach: true})

	stopped, err := h.q.Stop(ctx, []string{"immortal"})
	assert.ErrorIs(t, err, hypervisor.ErrTerminateFailed)
	assert.Empty(t, stopped)

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, stored.State)
	assert.Equal(t, vm.PID, stored.PID)
}

func TestStopDeadProcessOnlyMarks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "ghost", Detach: true})
	h.host.set(vm.PID, false)

	_, err := h.q.Stop(ctx, []string{vm.ID})
	require.NoError(t, err)
	assert.Empty(t, h.host.signals)

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, stored.State)
}

func TestStopBatchIsBestEffort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, options.Raw{Name: "a", Detach: true})
	h.run(t, options.Raw{Name: "b", Detach: true})
	h.host.killers[syscall.SIGTERM] = true

	stopped, err := h.q.Stop(ctx, []string{"a", "missing", "b"})
	assert.ErrorIs(t, err, hypervisor.ErrNotFound)
	assert.Equal(t, []string{"a", "b"}, stopped)
}

func TestStartRebuildsSameInvocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "again", PortForward: "8080:80", Detach: true})
	h.host.killers[syscall.SIGTERM] = true
	_, err := h.q.Stop(ctx, []string{"again"})
	require.NoError(t, err)

	started, err := h.q.Start(ctx, "again", hypervisor.StartOptions{Detach: true})
	require.NoError(t, err)
	require.Len(t, h.sup.specs, 2)
	assert.Equal(t, h.sup.specs[0].Command, h.sup.specs[1].Command)
	assert.Equal(t, vm.MACAddress, started.MACAddress)
	assert.Equal(t, types.VMStateRunning, started.State)
	assert.Equal(t, 1002, started.PID)
}

func TestStartAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "busy", Detach: true})

	got, err := h.q.Start(ctx, "busy", hypervisor.StartOptions{Detach: true})
	assert.ErrorIs(t, err, hypervisor.ErrAlreadyRunning)
	require.NotNil(t, got)
	assert.Equal(t, vm.PID, got.PID)
	assert.Len(t, h.sup.specs, 1)
}

func TestStartPersistsOverrides(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "grow", Detach: true})
	h.host.set(vm.PID, false)

	cpus, mem := 4, "4G"
	_, err := h.q.Start(ctx, "grow", hypervisor.StartOptions{
		Detach:    true,
		Overrides: options.Overrides{CPUs: &cpus, Memory: &mem},
	})
	require.NoError(t, err)

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Config.CPUs)
	assert.Equal(t, "4G", stored.Config.Memory)
	assert.Contains(t, h.sup.specs[1].Command.Args, "4G")
}

func TestStartDropsVanishedMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "noiso", Detach: true})
	h.host.set(vm.PID, false)
	require.NoError(t, os.Remove(h.iso))

	started, err := h.q.Start(ctx, "noiso", hypervisor.StartOptions{Detach: true})
	require.NoError(t, err)
	assert.Nil(t, started.Config.Boot.ISOPath)
	assert.NotContains(t, h.sup.specs[1].Command.Args, "-cdrom")
}

func TestRestartTerminatesAndRelaunches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "cycle", Detach: true})
	h.host.killers[syscall.SIGTERM] = true

	restarted, err := h.q.Restart(ctx, "cycle", hypervisor.StartOptions{Detach: true})
	require.NoError(t, err)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, h.host.signals)
	assert.NotEqual(t, vm.PID, restarted.PID)

	stored, err := h.store.Lookup(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, stored.State)
	assert.Equal(t, restarted.PID, stored.PID)
}

func TestRestartAbortsWhenTerminateFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, options.Raw{Name: "stuck", Detach: true})

	_, err := h.q.Restart(ctx, "stuck", hypervisor.StartOptions{Detach: true})
	assert.ErrorIs(t, err, hypervisor.ErrTerminateFailed)
	assert.Len(t, h.sup.specs, 1)
}

func TestDeleteAndNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "gone", Detach: true})

	_, err := h.q.Delete(ctx, []string{"nonexistent"})
	assert.ErrorIs(t, err, hypervisor.ErrNotFound)

	removed, err := h.q.Delete(ctx, []string{"gone"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, removed)

	_, err = h.q.Inspect(ctx, vm.ID)
	assert.ErrorIs(t, err, hypervisor.ErrNotFound)
	_, err = h.q.Inspect(ctx, "gone")
	assert.ErrorIs(t, err, hypervisor.ErrNotFound)
}

func TestInspectRefEquivalence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "same", Detach: true})

	for _, ref := range []string{vm.ID, "same", vm.ID[:8]} {
		got, err := h.q.Inspect(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, vm.ID, got.ID, ref)
	}
}

func TestListReconcilesDeadProcess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	live := h.run(t, options.Raw{Name: "live", Detach: true})
	dead := h.run(t, options.Raw{Name: "dead", Detach: true})
	h.host.set(dead.PID, false)

	running, err := h.q.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, live.ID, running[0].ID)

	all, err := h.q.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stored, err := h.store.Lookup(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, stored.State)
	assert.Zero(t, stored.PID)
}

func TestLogPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.run(t, options.Raw{Name: "talky", Detach: true})

	p, err := h.q.LogPath(ctx, "talky")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(h.conf.LogDir, "talky.log"), p)
}

func TestGCRemovesOrphanFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.run(t, options.Raw{Name: "kept", Detach: true})

	old := time.Now().Add(-time.Hour)
	touch := func(path string, mtime time.Time) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	orphans := []string{
		h.conf.VMPIDFile("deadbeef"),
		h.conf.VMLockFile("deadbeef"),
		h.conf.VMLogFile("forgotten"),
	}
	kept := []string{
		h.conf.VMPIDFile(vm.ID),
		h.conf.VMLockFile(vm.ID),
		h.conf.VMLogFile("kept"),
	}
	fresh := h.conf.VMPIDFile("launching")
	for _, p := range append(append([]string{}, orphans...), kept...) {
		touch(p, old)
	}
	touch(fresh, time.Now())

	orch := gc.New()
	h.q.RegisterGC(orch)
	require.NoError(t, orch.Run(ctx))

	for _, p := range orphans {
		assert.NoFileExists(t, p)
	}
	for _, p := range kept {
		assert.FileExists(t, p)
	}
	assert.FileExists(t, fresh)
	assert.FileExists(t, filepath.Join(h.conf.LockDir(), "gc.lock"))
}
