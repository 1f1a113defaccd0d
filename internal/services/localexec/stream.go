package localexec

import (
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/playbook"
)

// brokerStream buffers local playbook output and pushes it through the
// log broker with the same chunk cadence remote workers produce. The
// broker keeps the partial artifact; there is no separate local file.
type brokerStream struct {
	broker  interfaces.LogBroker
	jobID   string
	logger  arbor.ILogger
	started bool

	buf       strings.Builder
	lines     int
	lastFlush time.Time
}

func newBrokerStream(broker interfaces.LogBroker, jobID string, logger arbor.ILogger) *brokerStream {
	return &brokerStream{
		broker:    broker,
		jobID:     jobID,
		logger:    logger,
		lastFlush: time.Now(),
	}
}

// Write buffers content and reports whether a flush is due
func (s *brokerStream) Write(content string) bool {
	s.buf.WriteString(content)
	s.lines += strings.Count(content, "\n")
	return s.lines >= playbook.FlushLines || time.Since(s.lastFlush) >= playbook.FlushAge
}

// Flush pushes the buffered chunk to the broker. The first chunk of a
// job is sent with append=false.
func (s *brokerStream) Flush() {
	if s.buf.Len() == 0 {
		return
	}
	chunk := s.buf.String()
	s.buf.Reset()
	s.lines = 0
	s.lastFlush = time.Now()

	if err := s.broker.Stream(s.jobID, models.LocalWorkerID, chunk, s.started); err != nil {
		s.logger.Warn().Err(err).Msg("Local log stream failed")
	}
	s.started = true
}
