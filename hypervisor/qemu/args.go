package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/types"
)

// BuildInput is everything BuildCommand needs. It is a pure function of this.
type BuildInput struct {
	Config     types.VMConfig
	MAC        string
	PIDFile    string
	KVM        bool
	QemuBinary string
	// SudoBinary wraps the invocation when the guest joins a bridge.
	SudoBinary string
}

// BuildCommand renders the qemu-system invocation for a VM.
func BuildCommand(in BuildInput) (types.Command, error) {
	cfg := in.Config
	if in.MAC == "" {
		return types.Command{}, fmt.Errorf("%s: missing MAC address", cfg.Name)
	}
	netdev, err := netdevArg(cfg.Network)
	if err != nil {
		return types.Command{}, err
	}

	cmd := types.Command{Path: in.QemuBinary}
	if cfg.Network.Bridged() {
		cmd = types.Command{Path: in.SudoBinary, Args: []string{in.QemuBinary}}
	}
	if in.KVM {
		cmd.Args = append(cmd.Args, "-enable-kvm")
	}
	cmd.Args = append(cmd.Args,
		"-cpu", cfg.CPU,
		"-m", cfg.Memory,
		"-smp", strconv.Itoa(cfg.CPUs),
	)
	if cfg.Boot.ISOPath != nil {
		cmd.Args = append(cmd.Args, "-cdrom", *cfg.Boot.ISOPath)
	}
	cmd.Args = append(cmd.Args,
		"-netdev", netdev,
		"-device", "e1000,netdev=net0,mac="+in.MAC,
		"-nographic",
		"-monitor", "none",
		"-chardev", "stdio,id=con0,signal=off",
		"-serial", "chardev:con0",
		"-pidfile", in.PIDFile,
	)
	if cfg.Disk.Attached() {
		cmd.Args = append(cmd.Args,
			"-device", "ahci,id=ahci0",
			"-drive", fmt.Sprintf("file=%s,format=%s,if=none,id=disk0", escapeOpt(*cfg.Disk.Path), cfg.Disk.Format),
			"-device", "ide-hd,drive=disk0,bus=ahci0.0",
		)
	}
	return cmd, nil
}

func netdevArg(n types.NetworkConfig) (string, error) {
	if n.Bridged() {
		return "bridge,id=net0,br=" + *n.Bridge, nil
	}
	forwards, err := options.ParsePortForwards(types.Deref(n.PortForward))
	if err != nil {
		return "", err
	}
	if len(forwards) == 0 {
		forwards = options.DefaultPortForward
	}
	parts := []string{"user", "id=net0"}
	for _, f := range forwards {
		parts = append(parts, f.HostFwd())
	}
	return strings.Join(parts, ","), nil
}

// escapeOpt doubles commas, qemu's escape inside -drive option values.
func escapeOpt(v string) string { return strings.ReplaceAll(v, ",", ",,") }
