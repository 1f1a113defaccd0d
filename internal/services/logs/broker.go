package logs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
)

// subscriberBuffer bounds how far a live subscriber may fall behind
// before it is disconnected; reconnecting replays the full artifact.
const subscriberBuffer = 256

// Broker stores job log artifacts and fans live chunks out to
// subscribers. While a job runs its output accumulates in
// partial-<job_id>.log; Finalize renames the content to its permanent
// file and closes the topic.
type Broker struct {
	dir    string
	events interfaces.EventService
	logger arbor.ILogger

	mu     sync.Mutex
	topics map[string]*topic
	finals map[string]string
}

type topic struct {
	nextID      int
	subscribers map[int]chan interfaces.LogChunk
}

// NewBroker creates the log broker rooted at the configured directory
func NewBroker(cfg *common.LogStoreConfig, events interfaces.EventService, logger arbor.ILogger) (*Broker, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve log dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	return &Broker{
		dir:    dir,
		events: events,
		logger: logger,
		topics: make(map[string]*topic),
		finals: make(map[string]string),
	}, nil
}

// Stream appends a chunk to the job's partial artifact and delivers it
// to live subscribers. The write and the fan-out happen under one lock,
// so subscriber order always matches artifact order.
func (b *Broker) Stream(jobID, workerID, content string, appendChunk bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY
	if appendChunk {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	path := filepath.Join(b.dir, partialName(jobID))
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partial log: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write partial log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close partial log: %w", err)
	}

	chunk := interfaces.LogChunk{JobID: jobID, Content: content}
	b.fanOutLocked(jobID, chunk)

	if b.events != nil {
		if err := b.events.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventLogChunk,
			Payload: chunk,
		}); err != nil {
			b.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to publish log chunk")
		}
	}

	return nil
}

// Subscribe joins a job's log topic. The first chunk on the returned
// channel replays the entire artifact as it exists right now; later
// chunks follow in stream order with no gap or overlap.
func (b *Broker) Subscribe(jobID string) (<-chan interfaces.LogChunk, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan interfaces.LogChunk, subscriberBuffer)

	// Catch-up payload first, inside the lock, so no streamed chunk can
	// slip between the read and the registration.
	if catchUp, final, ok := b.readArtifactLocked(jobID); ok {
		ch <- interfaces.LogChunk{JobID: jobID, Content: catchUp, Final: final}
		if final {
			close(ch)
			return ch, func() {}, nil
		}
	}

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subscribers: make(map[int]chan interfaces.LogChunk)}
		b.topics[jobID] = t
	}
	id := t.nextID
	t.nextID++
	t.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if t, ok := b.topics[jobID]; ok {
			if ch, ok := t.subscribers[id]; ok {
				delete(t.subscribers, id)
				close(ch)
			}
			if len(t.subscribers) == 0 {
				delete(b.topics, jobID)
			}
		}
	}
	return ch, cancel, nil
}

// Finalize writes the final log, removes the partial artifact and closes
// the topic with a final chunk.
func (b *Broker) Finalize(jobID, finalName, content string) error {
	clean, err := sanitizeLogName(finalName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	partial := filepath.Join(b.dir, partialName(jobID))
	final := filepath.Join(b.dir, clean)

	if content != "" {
		if err := os.WriteFile(final, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write final log: %w", err)
		}
		os.Remove(partial)
	} else {
		// No content provided: promote the partial artifact
		if err := os.Rename(partial, final); err != nil {
			return fmt.Errorf("failed to promote partial log: %w", err)
		}
	}

	b.finals[jobID] = clean

	if t, ok := b.topics[jobID]; ok {
		final := interfaces.LogChunk{JobID: jobID, Final: true}
		for id, ch := range t.subscribers {
			select {
			case ch <- final:
			default:
			}
			close(ch)
			delete(t.subscribers, id)
		}
		delete(b.topics, jobID)
	}

	b.logger.Info().
		Str("job_id", jobID).
		Str("log_file", clean).
		Msg("Job log finalized")

	return nil
}

// ReadJob returns the job's current artifact: the partial while the job
// streams, or the final log once finalized.
func (b *Broker) ReadJob(jobID string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	content, final, ok := b.readArtifactLocked(jobID)
	if !ok {
		return "", false, fmt.Errorf("%w: no log for job %s", interfaces.ErrNotFound, jobID)
	}
	return content, final, nil
}

// Read returns the stored content of a log artifact by name
func (b *Broker) Read(name string) (string, error) {
	clean, err := sanitizeLogName(name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(b.dir, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", interfaces.ErrNotFound, clean)
		}
		return "", fmt.Errorf("failed to read log: %w", err)
	}
	return string(data), nil
}

// fanOutLocked delivers a chunk to every subscriber. A subscriber whose
// buffer is full is disconnected; order is never broken by dropping
// individual chunks.
func (b *Broker) fanOutLocked(jobID string, chunk interfaces.LogChunk) {
	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for id, ch := range t.subscribers {
		select {
		case ch <- chunk:
		default:
			b.logger.Warn().
				Str("job_id", jobID).
				Int("subscriber", id).
				Msg("Dropping slow log subscriber")
			close(ch)
			delete(t.subscribers, id)
		}
	}
}

// readArtifactLocked returns the current artifact contents: the partial
// while the job streams, or the final log once finalized.
func (b *Broker) readArtifactLocked(jobID string) (content string, final bool, ok bool) {
	if data, err := os.ReadFile(filepath.Join(b.dir, partialName(jobID))); err == nil {
		return string(data), false, true
	}
	if name, done := b.finals[jobID]; done {
		if data, err := os.ReadFile(filepath.Join(b.dir, name)); err == nil {
			return string(data), true, true
		}
	}
	return "", false, false
}

func partialName(jobID string) string {
	return "partial-" + jobID + ".log"
}

// sanitizeLogName keeps artifact access inside the log directory
func sanitizeLogName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty log name")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid log name: %s", name)
	}
	return name, nil
}
