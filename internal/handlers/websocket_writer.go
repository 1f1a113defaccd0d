package handlers

import (
	"fmt"
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"golang.org/x/time/rate"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
)

const (
	// Buffered arbor batches pending between the logger and the hub
	systemLogChannelBuffer = 64
)

// SystemLogEntry is the UI payload for one primary log line
type SystemLogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketWriter drains the arbor context channel and broadcasts primary
// system logs to UI clients. Entries below the configured level or matching
// an exclude pattern are dropped, and the broadcast rate is capped so a
// chatty subsystem cannot flood connected sockets. The file writer remains
// the authoritative log; this stream is a live view only.
type WebSocketWriter struct {
	handler         *WebSocketHandler
	logger          arbor.ILogger
	minLevel        arbor.LogLevel
	excludePatterns []string
	throttle        *rate.Limiter

	channel chan []arbormodels.LogEvent
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWebSocketWriter creates the system-log bridge. Pass the channel from
// Channel() to the root logger's SetChannel to begin receiving batches.
func NewWebSocketWriter(handler *WebSocketHandler, wsConfig *common.WebSocketConfig, logger arbor.ILogger) *WebSocketWriter {
	minLevel := arbor.InfoLevel
	var excludePatterns []string
	var throttle *rate.Limiter

	if wsConfig != nil {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		excludePatterns = wsConfig.ExcludePatterns
		if interval := wsConfig.ThrottleIntervalDuration(); interval > 0 {
			throttle = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
	if len(excludePatterns) == 0 {
		// Hub and middleware chatter would echo through the bridge
		excludePatterns = []string{
			"WebSocket client connected",
			"WebSocket client disconnected",
			"Failed to send broadcast",
			"HTTP request",
			"HTTP response",
			"Publishing event",
		}
	}

	return &WebSocketWriter{
		handler:         handler,
		logger:          logger,
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		throttle:        throttle,
		channel:         make(chan []arbormodels.LogEvent, systemLogChannelBuffer),
		done:            make(chan struct{}),
	}
}

// Channel returns the channel to register on the root logger via SetChannel
func (w *WebSocketWriter) Channel() chan []arbormodels.LogEvent {
	return w.channel
}

// Start launches the drain goroutine
func (w *WebSocketWriter) Start() {
	w.wg.Add(1)
	go w.drain()
}

// Stop shuts the bridge down and waits for the drain goroutine to exit.
// The channel itself stays open; arbor keeps the write side.
func (w *WebSocketWriter) Stop() {
	close(w.done)
	w.wg.Wait()
}

// drain consumes log batches and forwards the survivors to UI clients
func (w *WebSocketWriter) drain() {
	defer w.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("System log bridge panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-w.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				w.process(event)
			}
		case <-w.done:
			return
		}
	}
}

func (w *WebSocketWriter) process(event arbormodels.LogEvent) {
	if !w.levelAllowed(event.Level) {
		return
	}
	for _, pattern := range w.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return
		}
	}
	if w.throttle != nil && !w.throttle.Allow() {
		return
	}

	w.handler.BroadcastSystemLog(SystemLogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     levelLabel(arborlevels.FromLogLevel(event.Level)),
		Message:   event.Message,
	})
}

// levelAllowed checks the phuslu level carried by the event against the
// configured arbor threshold
func (w *WebSocketWriter) levelAllowed(level plog.Level) bool {
	return arborlevels.FromLogLevel(level) >= w.minLevel
}

// parseLogLevel converts a config string to an arbor log level
func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

// levelLabel maps arbor log levels to UI strings
func levelLabel(level arbor.LogLevel) string {
	switch level {
	case arbor.ErrorLevel:
		return "error"
	case arbor.WarnLevel:
		return "warn"
	case arbor.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
