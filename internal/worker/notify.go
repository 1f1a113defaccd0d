package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

const (
	notifyDialTimeout = 10 * time.Second
	notifyMaxBackoff  = 60 * time.Second
)

// notifier keeps the push notification socket alive. Each sync_available
// message raises the runtime's sync-pending flag through onSync; while the
// socket is down, Connected() is false and the runtime falls back to
// revision polling.
type notifier struct {
	client *Client
	cfg    *Config
	onSync func(revision string)
	logger arbor.ILogger

	connected atomic.Bool
}

func newNotifier(cfg *Config, client *Client, onSync func(revision string), logger arbor.ILogger) *notifier {
	return &notifier{
		client: client,
		cfg:    cfg,
		onSync: onSync,
		logger: logger,
	}
}

// Connected reports whether the push channel is currently up
func (n *notifier) Connected() bool {
	return n.connected.Load()
}

// Run dials the notification socket and reads it until ctx is cancelled,
// reconnecting with capped exponential backoff.
func (n *notifier) Run(ctx context.Context) {
	wsURL, err := n.client.NotifyURL()
	if err != nil {
		n.logger.Warn().Err(err).Msg("Push notifications unavailable, using revision polling only")
		return
	}

	tlsConfig, err := buildTLSConfig(n.cfg.SSLVerify)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Push notifications unavailable, using revision polling only")
		return
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: notifyDialTimeout,
		TLSClientConfig:  tlsConfig,
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		if id := n.client.WorkerID(); id != "" {
			header.Set("X-Worker-Id", id)
		}

		conn, _, err := dialer.DialContext(ctx, wsURL, header)
		if err != nil {
			n.logger.Debug().Err(err).Msg("Notification socket dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > notifyMaxBackoff {
				backoff = notifyMaxBackoff
			}
			continue
		}

		backoff = time.Second
		n.connected.Store(true)
		n.logger.Info().Msg("Notification socket connected")

		n.readLoop(ctx, conn)

		n.connected.Store(false)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		n.logger.Info().Msg("Notification socket lost, reconnecting")
	}
}

// readLoop consumes messages until the socket breaks or ctx ends
func (n *notifier) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the runtime shuts down
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			n.logger.Debug().Err(err).Msg("Ignoring malformed notification")
			continue
		}

		switch msg.Type {
		case "hello":
			// Informational; the primary announces its instance id
		case "sync_available":
			var payload struct {
				Revision string `json:"revision"`
			}
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				n.logger.Debug().Err(err).Msg("Ignoring malformed sync notification")
				continue
			}
			n.onSync(payload.Revision)
		}
	}
}
