package core

import (
	"context"
	"errors"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/hypervisor/qemu"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/progress"
	isoProgress "github.com/projecteru2/openindiana-up/progress/iso"
	"github.com/projecteru2/openindiana-up/storage/sqlite"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, errors.New("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, errors.New("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitHypervisor opens the state store and builds the QEMU controller.
// The returned close func releases the store.
func InitHypervisor(ctx context.Context, conf *config.Config) (hypervisor.Hypervisor, func(), error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("ensure dirs: %w", err)
	}
	store, err := sqlite.Open(ctx, conf.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			log.WithFunc("core.InitHypervisor").Warnf(ctx, "close state store: %v", err)
		}
	}
	hyper, err := qemu.New(conf, store, qemu.DefaultDeps(conf))
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init hypervisor: %w", err)
	}
	return hyper, closeFn, nil
}

// RawFromFlags collects the create-and-launch flags of cmd.
func RawFromFlags(cmd *cobra.Command, input string) options.Raw {
	flags := cmd.Flags()
	raw := options.Raw{Input: input}
	raw.Name, _ = flags.GetString("name")
	raw.Output, _ = flags.GetString("output")
	raw.CPU, _ = flags.GetString("cpu")
	raw.CPUs, _ = flags.GetInt("cpus")
	raw.Memory, _ = flags.GetString("memory")
	raw.Drive, _ = flags.GetString("drive")
	if raw.Drive == "" {
		raw.Drive, _ = flags.GetString("image")
	}
	raw.DiskFormat, _ = flags.GetString("disk-format")
	raw.Size, _ = flags.GetString("size")
	raw.Bridge, _ = flags.GetString("bridge")
	raw.PortForward, _ = flags.GetString("port-forward")
	raw.Detach, _ = flags.GetBool("detach")
	return raw
}

// OverridesFromFlags returns the resource flags the user explicitly set.
func OverridesFromFlags(cmd *cobra.Command) options.Overrides {
	var o options.Overrides
	flags := cmd.Flags()
	if flags.Changed("cpu") {
		v, _ := flags.GetString("cpu")
		o.CPU = &v
	}
	if flags.Changed("cpus") {
		v, _ := flags.GetInt("cpus")
		o.CPUs = &v
	}
	if flags.Changed("memory") {
		v, _ := flags.GetString("memory")
		o.Memory = &v
	}
	return o
}

// DownloadTracker reports boot-media progress through the logger and a
// carriage-return counter on stdout.
func DownloadTracker(ctx context.Context, source string) progress.Tracker {
	logger := log.WithFunc("cmd.download")
	inline := false
	return progress.NewTracker(func(e isoProgress.Event) {
		switch e.Phase {
		case isoProgress.PhaseDownload:
			switch {
			case e.BytesDone == 0 && e.BytesTotal > 0:
				logger.Infof(ctx, "downloading %s (%s)", source, FormatSize(e.BytesTotal))
			case e.BytesDone == 0:
				logger.Infof(ctx, "downloading %s", source)
			case e.BytesTotal > 0:
				inline = true
				pct := float64(e.BytesDone) / float64(e.BytesTotal) * 100
				fmt.Printf("\r  %s / %s (%.1f%%)", FormatSize(e.BytesDone), FormatSize(e.BytesTotal), pct)
			default:
				inline = true
				fmt.Printf("\r  %s downloaded", FormatSize(e.BytesDone))
			}
		case isoProgress.PhaseCommit:
			if inline {
				fmt.Println()
				inline = false
			}
		case isoProgress.PhaseDone:
			if e.Path != "" {
				logger.Infof(ctx, "boot media ready: %s", e.Path)
			}
		case isoProgress.PhaseSkip:
			if e.Path != "" {
				logger.Infof(ctx, "using cached boot media %s", e.Path)
			}
		}
	})
}

// FormatSize renders a byte count for humans.
func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

// FormatMemory renders a stored memory string (e.g. "2G") in binary units,
// falling back to the raw value if it does not parse.
func FormatMemory(memory string) string {
	n, err := units.RAMInBytes(memory)
	if err != nil {
		return memory
	}
	return units.BytesSize(float64(n))
}
