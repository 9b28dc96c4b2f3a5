package options

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/types"
)

// ErrUsage marks invalid user-supplied configuration.
var ErrUsage = errors.New("invalid usage")

// Defaults for unspecified resource fields.
const (
	DefaultCPU        = "host"
	DefaultCPUs       = 2
	DefaultMemory     = "2G"
	DefaultDiskFormat = "raw"
	DefaultDiskSize   = "20G"
)

var (
	diskFormats = map[string]struct{}{
		"raw": {}, "qcow2": {}, "vmdk": {}, "vdi": {}, "vhdx": {}, "qed": {},
	}
	nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)
	// IFNAMSIZ-1 printable characters without '/' or whitespace.
	bridgeRe = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,15}$`)
)

// Raw is user intent as collected from flags; zero values mean "not given".
type Raw struct {
	Input       string
	Name        string
	Output      string
	CPU         string
	CPUs        int
	Memory      string
	Drive       string
	DiskFormat  string
	Size        string
	Bridge      string
	PortForward string
	Detach      bool
}

// Resolved is a validated, fully defaulted launch configuration.
type Resolved struct {
	Config types.VMConfig
	Source Source
	// Output overrides the download destination of remote media.
	Output string
	Detach bool
}

// Resolve applies defaults to raw and validates the result.
func Resolve(ctx context.Context, raw Raw) (*Resolved, error) {
	logger := log.WithFunc("options.Resolve")

	cfg := types.VMConfig{
		Name:   strings.TrimSpace(raw.Name),
		CPU:    orDefault(raw.CPU, DefaultCPU),
		CPUs:   raw.CPUs,
		Memory: orDefault(raw.Memory, DefaultMemory),
		Disk: types.DiskConfig{
			Path:   types.StringPtr(strings.TrimSpace(raw.Drive)),
			Format: orDefault(raw.DiskFormat, DefaultDiskFormat),
			Size:   orDefault(raw.Size, DefaultDiskSize),
		},
		Network: types.NetworkConfig{
			Bridge:      types.StringPtr(strings.TrimSpace(raw.Bridge)),
			PortForward: types.StringPtr(strings.TrimSpace(raw.PortForward)),
		},
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = DefaultCPUs
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.Network.Bridged() && cfg.Network.PortForward != nil {
		logger.Warnf(ctx, "port forward %q ignored in bridged mode (bridge %s)", *cfg.Network.PortForward, *cfg.Network.Bridge)
	}

	src := ClassifyInput(raw.Input)
	if src.Kind == SourceVersion {
		cfg.Boot.Version = src.Version
	}
	return &Resolved{
		Config: cfg,
		Source: src,
		Output: strings.TrimSpace(raw.Output),
		Detach: raw.Detach,
	}, nil
}

// Validate checks a VM configuration, whether freshly resolved or loaded from the store.
func Validate(cfg types.VMConfig) error {
	var errs []error
	if cfg.Name != "" && !nameRe.MatchString(cfg.Name) {
		errs = append(errs, fmt.Errorf("name %q: letters, digits, '.', '_' and '-' only", cfg.Name))
	}
	if strings.TrimSpace(cfg.CPU) == "" {
		errs = append(errs, errors.New("cpu model must not be empty"))
	}
	if cfg.CPUs < 1 {
		errs = append(errs, fmt.Errorf("cpus must be at least 1, got %d", cfg.CPUs))
	}
	if err := validSize("memory", cfg.Memory); err != nil {
		errs = append(errs, err)
	}
	if cfg.Disk.Attached() {
		if _, ok := diskFormats[cfg.Disk.Format]; !ok {
			errs = append(errs, fmt.Errorf("unsupported disk format %q", cfg.Disk.Format))
		}
		if err := validSize("disk size", cfg.Disk.Size); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Network.Bridged() && !bridgeRe.MatchString(*cfg.Network.Bridge) {
		errs = append(errs, fmt.Errorf("invalid bridge name %q", *cfg.Network.Bridge))
	}
	if cfg.Network.PortForward != nil {
		if _, err := ParsePortForwards(*cfg.Network.PortForward); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUsage, errors.Join(errs...))
}

// Overrides are resource changes requested on start/restart; nil fields are unchanged.
type Overrides struct {
	CPU    *string
	CPUs   *int
	Memory *string
}

// Empty reports whether no override was given.
func (o Overrides) Empty() bool { return o.CPU == nil && o.CPUs == nil && o.Memory == nil }

// Apply returns cfg with the overrides merged in, validated.
func (o Overrides) Apply(cfg types.VMConfig) (types.VMConfig, error) {
	if o.CPU != nil {
		cfg.CPU = *o.CPU
	}
	if o.CPUs != nil {
		cfg.CPUs = *o.CPUs
	}
	if o.Memory != nil {
		cfg.Memory = *o.Memory
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validSize(field, v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, v, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s %q must be positive", field, v)
	}
	return nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
