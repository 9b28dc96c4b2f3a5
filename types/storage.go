package types

// DiskConfig binds a persistent disk to a VM.
// Format and Size are only meaningful when Path is set.
type DiskConfig struct {
	Path   *string `json:"path,omitempty"`
	Format string  `json:"format"`
	Size   string  `json:"size"`
}

// Attached reports whether the VM has a persistent disk.
func (d DiskConfig) Attached() bool { return d.Path != nil }
