package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Detach modes for background launches.
const (
	DetachNative = "native"
	DetachShell  = "shell"
)

// Config holds global openindiana-up configuration.
type Config struct {
	// RootDir is the base directory for persistent data (state DB, ISO cache).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds pid files and lock files. Defaults to {RootDir}/run.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir holds per-instance hypervisor logs. Defaults to {RootDir}/logs.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`

	QemuBinary    string `json:"qemu_binary" mapstructure:"qemu_binary"`
	QemuImgBinary string `json:"qemu_img_binary" mapstructure:"qemu_img_binary"`
	SudoBinary    string `json:"sudo_binary" mapstructure:"sudo_binary"`
	// BridgeConf is the qemu-bridge-helper allow-list.
	BridgeConf string `json:"bridge_conf" mapstructure:"bridge_conf"`

	// StopGraceSeconds is the SIGTERM→SIGKILL window.
	StopGraceSeconds int `json:"stop_grace_seconds" mapstructure:"stop_grace_seconds"`
	// KillWaitSeconds is how long to wait for the process to vanish after SIGKILL.
	KillWaitSeconds int `json:"kill_wait_seconds" mapstructure:"kill_wait_seconds"`
	// SettleSeconds is how long a detached launch is observed before its pid is trusted.
	SettleSeconds int `json:"settle_seconds" mapstructure:"settle_seconds"`
	// PIDTimeoutSeconds bounds the wait for the hypervisor to write its pid file.
	PIDTimeoutSeconds int `json:"pid_timeout_seconds" mapstructure:"pid_timeout_seconds"`
	// RestartDelaySeconds is the pause between stop and relaunch on restart.
	RestartDelaySeconds int `json:"restart_delay_seconds" mapstructure:"restart_delay_seconds"`

	// DetachMode selects how background launches are spawned: "native" or "shell".
	DetachMode string `json:"detach_mode" mapstructure:"detach_mode"`
	// DisableKVM suppresses -enable-kvm on Linux hosts.
	DisableKVM bool `json:"disable_kvm" mapstructure:"disable_kvm"`
	// EmptyDiskThresholdKB is the allocated size under which a disk counts as empty.
	EmptyDiskThresholdKB int64 `json:"empty_disk_threshold_kb" mapstructure:"empty_disk_threshold_kb"`

	// PoolSize bounds concurrent batch operations (stop/rm of several VMs).
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:              "~/.openindiana-up",
		QemuBinary:           "qemu-system-x86_64",
		QemuImgBinary:        "qemu-img",
		SudoBinary:           "sudo",
		BridgeConf:           "/etc/qemu/bridge.conf",
		StopGraceSeconds:     3,
		KillWaitSeconds:      2,
		SettleSeconds:        2,
		PIDTimeoutSeconds:    10,
		RestartDelaySeconds:  2,
		DetachMode:           DetachNative,
		EmptyDiskThresholdKB: 100,
		PoolSize:             runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Keys lists the config keys that may be set from OIUP_* environment variables.
func Keys() []string {
	return []string{
		"root_dir", "run_dir", "log_dir",
		"qemu_binary", "qemu_img_binary", "sudo_binary", "bridge_conf",
		"stop_grace_seconds", "kill_wait_seconds", "settle_seconds",
		"pid_timeout_seconds", "restart_delay_seconds",
		"detach_mode", "disable_kvm", "empty_disk_threshold_kb", "pool_size",
		"log.level",
	}
}

// Normalize expands ~ in directory settings, derives unset directories
// from RootDir, and restores defaults for zero-valued tunables.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.RootDir == "" {
		c.RootDir = def.RootDir
	}
	c.RootDir = expandPath(c.RootDir)
	if c.RunDir == "" {
		c.RunDir = filepath.Join(c.RootDir, "run")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.RootDir, "logs")
	}
	c.RunDir = expandPath(c.RunDir)
	c.LogDir = expandPath(c.LogDir)

	setDefault(&c.QemuBinary, def.QemuBinary)
	setDefault(&c.QemuImgBinary, def.QemuImgBinary)
	setDefault(&c.SudoBinary, def.SudoBinary)
	setDefault(&c.BridgeConf, def.BridgeConf)
	setDefault(&c.DetachMode, def.DetachMode)

	if c.StopGraceSeconds <= 0 {
		c.StopGraceSeconds = def.StopGraceSeconds
	}
	if c.KillWaitSeconds <= 0 {
		c.KillWaitSeconds = def.KillWaitSeconds
	}
	if c.SettleSeconds <= 0 {
		c.SettleSeconds = def.SettleSeconds
	}
	if c.PIDTimeoutSeconds <= 0 {
		c.PIDTimeoutSeconds = def.PIDTimeoutSeconds
	}
	if c.RestartDelaySeconds < 0 {
		c.RestartDelaySeconds = 0
	}
	if c.EmptyDiskThresholdKB <= 0 {
		c.EmptyDiskThresholdKB = def.EmptyDiskThresholdKB
	}
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
}

// KVM reports whether -enable-kvm should be passed to the hypervisor.
func (c *Config) KVM() bool { return runtime.GOOS == "linux" && !c.DisableKVM }

func (c *Config) StopGrace() time.Duration { return seconds(c.StopGraceSeconds) }
func (c *Config) KillWait() time.Duration  { return seconds(c.KillWaitSeconds) }
func (c *Config) Settle() time.Duration    { return seconds(c.SettleSeconds) }
func (c *Config) PIDTimeout() time.Duration {
	return seconds(c.PIDTimeoutSeconds)
}
func (c *Config) RestartDelay() time.Duration { return seconds(c.RestartDelaySeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func setDefault(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
