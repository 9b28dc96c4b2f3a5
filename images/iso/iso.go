package iso

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/progress"
	isoProgress "github.com/projecteru2/openindiana-up/progress/iso"
	"github.com/projecteru2/openindiana-up/utils"
)

const (
	downloadTimeout = 60 * time.Minute

	// maxDownloadBytes caps a single ISO (16 GiB).
	maxDownloadBytes int64 = 16 << 30

	// report every 4 MiB
	progressInterval = 4 << 20
)

// ErrMediaNotFound is returned when a local media path does not exist.
var ErrMediaNotFound = errors.New("boot media not found")

// Request describes the media wanted for one launch.
type Request struct {
	Source options.Source
	// Output overrides the cache location of a downloaded file.
	Output string
	// Drive is the persistent disk that will be attached, if any.
	Drive string
}

// Provider resolves boot media to a local file.
type Provider struct {
	conf   *config.Config
	client *http.Client
}

// New returns a Provider caching downloads under conf.ISODir().
func New(conf *config.Config) *Provider {
	return &Provider{conf: conf, client: &http.Client{Timeout: downloadTimeout}}
}

// Ensure returns a local path to usable boot media for req, downloading it
// if needed. It returns "" when the drive already holds an installed system
// and no media should be attached.
func (p *Provider) Ensure(ctx context.Context, req Request, tracker progress.Tracker) (string, error) {
	logger := log.WithFunc("iso.Ensure")
	if tracker == nil {
		tracker = progress.Nop
	}

	if req.Drive != "" && utils.Exists(req.Drive) {
		kb, err := utils.AllocatedKB(req.Drive)
		if err != nil {
			return "", fmt.Errorf("disk usage of %s: %w", req.Drive, err)
		}
		if kb > p.conf.EmptyDiskThresholdKB {
			logger.Infof(ctx, "drive %s is not empty (%d KB used), skipping boot media", req.Drive, kb)
			tracker.OnEvent(isoProgress.Event{Phase: isoProgress.PhaseSkip})
			return "", nil
		}
	}

	if !req.Source.Remote() {
		if !utils.Exists(req.Source.Path) {
			return "", fmt.Errorf("%w: %s", ErrMediaNotFound, req.Source.Path)
		}
		tracker.OnEvent(isoProgress.Event{Phase: isoProgress.PhaseDone, Path: req.Source.Path})
		return req.Source.Path, nil
	}

	dest := req.Output
	if dest == "" {
		dest = filepath.Join(p.conf.ISODir(), req.Source.Filename())
	}
	if utils.Exists(dest) {
		logger.Infof(ctx, "file %s already exists, skipping download", dest)
		tracker.OnEvent(isoProgress.Event{Phase: isoProgress.PhaseSkip, Path: dest})
		return dest, nil
	}
	if err := p.fetch(ctx, req.Source.URL, dest, tracker); err != nil {
		return "", err
	}
	tracker.OnEvent(isoProgress.Event{Phase: isoProgress.PhaseDone, Path: dest})
	logger.Infof(ctx, "downloaded %s -> %s", req.Source.URL, dest)
	return dest, nil
}

// fetch downloads url into a temp file next to dest and renames it into place,
// so an interrupted transfer never leaves a file that a later run would skip.
func (p *Provider) fetch(ctx context.Context, url, dest string, tracker progress.Tracker) error {
	dir := filepath.Dir(dest)
	if err := utils.EnsureDirs(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".pull-*.iso")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if err := p.download(ctx, url, tmp, tracker); err != nil {
		return err
	}

	tracker.OnEvent(isoProgress.Event{Phase: isoProgress.PhaseCommit, Path: dest})
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename %s: %w", dest, err)
	}
	if err := os.Chmod(dest, 0o644); err != nil { //nolint:gosec // media is world-readable
		return fmt.Errorf("chmod %s: %w", dest, err)
	}
	return utils.SyncParentDir(dir)
}

func (p *Provider) download(ctx context.Context, url string, dst *os.File, tracker progress.Tracker) error {
	defer dst.Close() //nolint:errcheck

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP GET %s: status %s", url, resp.Status)
	}

	tracker.OnEvent(isoProgress.Event{Phase: isoProgress.PhaseDownload, BytesTotal: resp.ContentLength})

	pw := &progressWriter{w: dst, total: resp.ContentLength, tracker: tracker}
	written, err := io.Copy(pw, io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	if written > maxDownloadBytes {
		return fmt.Errorf("download %s: exceeded max size (%d bytes)", url, maxDownloadBytes)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return fmt.Errorf("download %s: short body (%d of %d bytes)", url, written, resp.ContentLength)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	return nil
}

// progressWriter wraps an io.Writer and periodically emits download progress events.
type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	tracker    progress.Tracker
	lastReport int64
}

func (pw *progressWriter) Write(b []byte) (int, error) {
	n, err := pw.w.Write(b)
	pw.written += int64(n)
	if pw.written-pw.lastReport >= progressInterval || (pw.total > 0 && pw.written == pw.total) {
		pw.lastReport = pw.written
		pw.tracker.OnEvent(isoProgress.Event{
			Phase:      isoProgress.PhaseDownload,
			BytesTotal: pw.total,
			BytesDone:  pw.written,
		})
	}
	return n, err
}
