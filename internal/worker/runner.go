package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/playbook"
)

// runner executes one assigned job at a time: it resolves the playbook,
// spawns ansible-playbook with combined output, streams log chunks to the
// primary, and always reports an outcome, even when the spawn itself fails.
type runner struct {
	cfg        *Config
	client     *Client
	contentDir string
	logsDir    string
	logger     arbor.ILogger
}

func newRunner(cfg *Config, client *Client, contentDir string, logger arbor.ILogger) (*runner, error) {
	logsDir, err := filepath.Abs(cfg.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve logs dir: %w", err)
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	return &runner{
		cfg:        cfg,
		client:     client,
		contentDir: contentDir,
		logsDir:    logsDir,
		logger:     logger,
	}, nil
}

// Run executes the job and reports completion. piggyback supplies the
// check-in payload attached to the completion call.
func (r *runner) Run(ctx context.Context, job *models.Job, piggyback func() *models.CheckinRequest) {
	start := time.Now()
	logName := playbook.FinalLogName(job, start)

	log := r.logger.WithFields(map[string]interface{}{
		"job_id":   job.ShortID(),
		"playbook": job.Playbook,
	})

	if err := r.client.StartJob(ctx, job.ID, logName); err != nil {
		// The job stays assigned on the primary; the next poll retries it.
		log.Warn().Err(err).Msg("Failed to report job start")
		return
	}

	log.Info().Str("log_file", logName).Msg("Job started")

	resolved := playbook.Resolve(r.contentDir, job.Playbook)
	inventory := filepath.Join(r.contentDir, "inventory")
	args := playbook.Args(job, resolved, inventory)

	partialPath := filepath.Join(r.logsDir, "partial-"+job.ID+".log")
	partial, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create partial log")
		r.complete(ctx, job, logName, 1, fmt.Sprintf("failed to create log file: %v", err), start, "", nil, piggyback)
		return
	}

	stream := newLogStream(r.client, job.ID, partial, log)
	stream.Write(playbook.Header(r.cfg.Name, r.client.WorkerID(), job, args, start))
	stream.Flush(ctx)

	factsPath := filepath.Join(r.logsDir, "facts-"+job.ID+".json")
	exitCode, errorMessage := playbook.Run(ctx, r.contentDir, args, factsPath, func(line string) {
		if stream.Write(line) {
			stream.Flush(ctx)
		}
	})

	duration := time.Since(start)
	stream.Write(playbook.Footer(exitCode, duration))
	stream.Flush(ctx)
	partial.Close()

	content, err := os.ReadFile(partialPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read local log")
	}

	facts := playbook.ReadFacts(factsPath)

	r.complete(ctx, job, logName, exitCode, errorMessage, start, string(content), facts, piggyback)

	if err := os.Rename(partialPath, filepath.Join(r.logsDir, logName)); err != nil {
		log.Warn().Err(err).Msg("Failed to finalize local log")
	}

	log.Info().
		Int("exit_code", exitCode).
		Str("duration", duration.Round(time.Millisecond).String()).
		Msg("Job finished")
}

// complete reports the outcome, retrying a few times so a transient
// primary outage does not lose the result.
func (r *runner) complete(ctx context.Context, job *models.Job, logName string, exitCode int, errorMessage string, start time.Time, content string, facts map[string]map[string]interface{}, piggyback func() *models.CheckinRequest) {
	req := &models.CompleteRequest{
		WorkerID:        r.client.WorkerID(),
		ExitCode:        exitCode,
		LogFile:         logName,
		LogContent:      content,
		ErrorMessage:    errorMessage,
		DurationSeconds: time.Since(start).Seconds(),
		CMDBFacts:       facts,
	}
	if piggyback != nil {
		req.Checkin = piggyback()
	}

	backoff := 2 * time.Second
	for attempt := 1; ; attempt++ {
		_, err := r.client.Complete(ctx, job.ID, req)
		if err == nil {
			return
		}
		if attempt >= 3 || ctx.Err() != nil {
			r.logger.Error().Err(err).Str("job_id", job.ShortID()).Msg("Failed to report job completion")
			return
		}
		r.logger.Warn().Err(err).Str("job_id", job.ShortID()).Msg("Completion report failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// logStream buffers playbook output and flushes it to the local partial
// file and the primary's stream endpoint. Streaming is best-effort: a
// failed push is dropped with a warning and execution continues.
type logStream struct {
	client  *Client
	jobID   string
	local   *os.File
	logger  arbor.ILogger
	started bool

	buf       strings.Builder
	lines     int
	lastFlush time.Time
}

func newLogStream(client *Client, jobID string, local *os.File, logger arbor.ILogger) *logStream {
	return &logStream{
		client:    client,
		jobID:     jobID,
		local:     local,
		logger:    logger,
		lastFlush: time.Now(),
	}
}

// Write buffers content and reports whether a flush is due
func (s *logStream) Write(content string) bool {
	s.buf.WriteString(content)
	s.lines += strings.Count(content, "\n")
	return s.lines >= playbook.FlushLines || time.Since(s.lastFlush) >= playbook.FlushAge
}

// Flush writes the buffered chunk locally and pushes it to the primary.
// The first chunk of a job is sent with append=false.
func (s *logStream) Flush(ctx context.Context) {
	if s.buf.Len() == 0 {
		return
	}
	chunk := s.buf.String()
	s.buf.Reset()
	s.lines = 0
	s.lastFlush = time.Now()

	if s.local != nil {
		if _, err := s.local.WriteString(chunk); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write local log")
		}
	}

	if err := s.client.StreamLog(ctx, s.jobID, chunk, s.started); err != nil {
		s.logger.Warn().Err(err).Msg("Log stream push failed")
	}
	s.started = true
}
