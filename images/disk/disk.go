package disk

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/utils"
)

// Provider creates persistent disk images with qemu-img.
type Provider struct {
	binary string
}

// New returns a Provider using conf.QemuImgBinary.
func New(conf *config.Config) *Provider {
	return &Provider{binary: conf.QemuImgBinary}
}

// Ensure creates an image of the given format and size at path unless
// something already exists there. Returns true when an image was created.
func (p *Provider) Ensure(ctx context.Context, path, format, size string) (bool, error) {
	logger := log.WithFunc("disk.Ensure")
	if utils.Exists(path) {
		logger.Infof(ctx, "drive image %s already exists, skipping creation", path)
		return false, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := utils.EnsureDirs(dir); err != nil {
			return false, err
		}
	}
	cmd := exec.CommandContext(ctx, p.binary, "create", "-f", format, path, size) //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("%s create: %s: %w", p.binary, strings.TrimSpace(string(out)), err)
	}
	logger.Infof(ctx, "created %s drive image %s (%s)", format, path, size)
	return true, nil
}
