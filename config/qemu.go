package config

import (
	"path/filepath"

	"github.com/projecteru2/openindiana-up/utils"
)

// EnsureDirs creates all static directories.
// The ISO cache is created on demand by the boot-media provider.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.RootDir,
		c.RunDir,
		c.LockDir(),
		c.LogDir,
	)
}

// DBPath is the sqlite state database.
func (c *Config) DBPath() string { return filepath.Join(c.RootDir, "state.sqlite") }

// ISODir caches downloaded boot media.
func (c *Config) ISODir() string { return filepath.Join(c.RootDir, "isos") }

// LockDir holds per-VM advisory lock files.
func (c *Config) LockDir() string { return filepath.Join(c.RunDir, "locks") }

// VMLockFile serialises mutations of a single VM record across processes.
func (c *Config) VMLockFile(vmID string) string {
	return filepath.Join(c.LockDir(), vmID+".lock")
}

// VMPIDFile is where the hypervisor writes its own pid (-pidfile).
func (c *Config) VMPIDFile(vmID string) string {
	return filepath.Join(c.RunDir, vmID+".pid")
}

// VMLogFile is the append-only log of a detached VM. Keyed by name so users can find it.
func (c *Config) VMLogFile(name string) string {
	return filepath.Join(c.LogDir, name+".log")
}
