package interfaces

// LogChunk is one ordered piece of a job's live output
type LogChunk struct {
	JobID   string `json:"job_id"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// LogBroker accepts streamed chunks from workers, fans them out to
// subscribers and persists partial and final log artifacts.
type LogBroker interface {
	// Stream appends a chunk to the job's partial artifact and publishes
	// it. append=false initializes the artifact.
	Stream(jobID, workerID, content string, append bool) error

	// Subscribe returns a channel that first delivers the current artifact
	// contents as one catch-up chunk, then live chunks in order. The
	// returned cancel function must be called to release the subscription.
	Subscribe(jobID string) (<-chan LogChunk, func(), error)

	// Finalize persists the final log under its permanent name, removes
	// the partial artifact and closes the job's topic.
	Finalize(jobID, finalName, content string) error

	// Read returns the stored log content for a job artifact name
	Read(name string) (string, error)

	// ReadJob returns the job's current artifact: the partial while the
	// job streams, or the final once finalized.
	ReadJob(jobID string) (content string, final bool, err error)
}
