package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/utils"
)

// links manipulates host network devices.
type links interface {
	// Lookup reports whether name exists and whether it is administratively up.
	Lookup(name string) (exists, up bool, err error)
	// Add creates a bridge device called name.
	Add(ctx context.Context, name string) error
	// SetUp brings name up.
	SetUp(ctx context.Context, name string) error
}

// Provider ensures a host bridge exists, is up, and is allow-listed for
// qemu-bridge-helper. Every step is idempotent.
type Provider struct {
	sudo     string
	confPath string
	root     bool
	links    links
	run      func(ctx context.Context, argv ...string) error
}

// New returns a Provider. As root, devices are managed over netlink directly;
// otherwise mutations go through conf.SudoBinary.
func New(conf *config.Config) *Provider {
	p := &Provider{
		sudo:     conf.SudoBinary,
		confPath: conf.BridgeConf,
		root:     os.Geteuid() == 0,
		run:      runCommand,
	}
	p.links = platformLinks(p)
	return p
}

// Ensure makes bridge name usable by a guest.
func (p *Provider) Ensure(ctx context.Context, name string) error {
	logger := log.WithFunc("bridge.Ensure")

	exists, up, err := p.links.Lookup(name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if !exists {
		logger.Infof(ctx, "creating bridge %s", name)
		if err := p.links.Add(ctx, name); err != nil {
			return fmt.Errorf("add bridge %s: %w", name, err)
		}
	}
	if !up {
		if err := p.links.SetUp(ctx, name); err != nil {
			return fmt.Errorf("set %s up: %w", name, err)
		}
	}
	return p.allow(ctx, name)
}

// allow adds "allow <name>" to the bridge-helper ACL unless it is already
// there (or "allow all" is).
func (p *Provider) allow(ctx context.Context, name string) error {
	logger := log.WithFunc("bridge.allow")
	line := "allow " + name

	data, err := os.ReadFile(p.confPath)
	if err != nil && !os.IsNotExist(err) && !os.IsPermission(err) {
		return fmt.Errorf("read %s: %w", p.confPath, err)
	}
	if utils.HasLine(data, line) || utils.HasLine(data, "allow all") {
		return nil
	}

	if p.root {
		if err := utils.EnsureDirs(filepath.Dir(p.confPath)); err != nil {
			return err
		}
		if _, err := utils.AppendLineAtomic(p.confPath, line, 0o644); err != nil {
			return err
		}
	} else {
		script := fmt.Sprintf("mkdir -p %s && grep -qxF %s %s 2>/dev/null || echo %s >> %s",
			shellescape.Quote(filepath.Dir(p.confPath)),
			shellescape.Quote(line), shellescape.Quote(p.confPath),
			shellescape.Quote(line), shellescape.Quote(p.confPath))
		if err := p.run(ctx, p.sudo, "sh", "-c", script); err != nil {
			return fmt.Errorf("update %s: %w", p.confPath, err)
		}
	}
	logger.Infof(ctx, "allowed bridge %s in %s", name, p.confPath)
	return nil
}

// sudoLinks performs mutations with `sudo ip link`, reads through lookup.
type sudoLinks struct {
	p      *Provider
	lookup func(name string) (bool, bool, error)
}

func (s *sudoLinks) Lookup(name string) (bool, bool, error) { return s.lookup(name) }

func (s *sudoLinks) Add(ctx context.Context, name string) error {
	return s.p.run(ctx, s.p.sudo, "ip", "link", "add", name, "type", "bridge")
}

func (s *sudoLinks) SetUp(ctx context.Context, name string) error {
	return s.p.run(ctx, s.p.sudo, "ip", "link", "set", name, "up")
}

func runCommand(ctx context.Context, argv ...string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec
	// sudo may prompt for a password.
	cmd.Stdin = os.Stdin
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s: %w", strings.Join(argv, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}
