package iso

// Phase is a stage of boot-media provisioning.
type Phase int

const (
	PhaseDownload Phase = iota // HTTP transfer in progress.
	PhaseCommit                // Moving the finished download into place.
	PhaseDone                  // Media ready at Path.
	PhaseSkip                  // Nothing fetched: media cached, or the disk is already installed.
)

// Event describes one boot-media progress update.
type Event struct {
	Phase      Phase
	Path       string
	BytesTotal int64 // Content-Length; -1 if unknown.
	BytesDone  int64
}
