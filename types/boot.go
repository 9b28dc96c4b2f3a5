package types

// BootConfig binds boot media to a VM.
type BootConfig struct {
	// ISOPath is nil once the media is not needed (e.g. disk already populated).
	ISOPath *string `json:"iso_path,omitempty"`
	// Version is the release token the media was resolved from, if any.
	Version string `json:"version,omitempty"`
}
