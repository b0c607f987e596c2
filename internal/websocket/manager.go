// Package websocket streams request status changes to browsers.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxLifetime  = 10 * time.Minute

	writeWait = 10 * time.Second
)

// StatusPoller reads the public status of a correlation id
type StatusPoller interface {
	Poll(ctx context.Context, kind domain.RequestKind, state string) (*service.PublicStatus, error)
}

// clientConnection is one browser watching one correlation id
type clientConnection struct {
	id     string
	conn   *websocket.Conn
	kind   domain.RequestKind
	state  string
	cancel context.CancelFunc
}

// Option configures a Manager
type Option func(*Manager)

// WithPollInterval sets how often the store is polled per connection
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMaxLifetime bounds how long a single connection is kept open
func WithMaxLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxLifetime = d
		}
	}
}

// Manager upgrades status requests to websockets and pushes the public
// status every time it changes. The connection is closed once the status is
// terminal or the state is gone.
type Manager struct {
	poller      StatusPoller
	interval    time.Duration
	maxLifetime time.Duration
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[string]*clientConnection
	closed    bool
}

// NewManager creates a new status stream manager. An empty allowedOrigins
// list or one containing "*" accepts any origin.
func NewManager(poller StatusPoller, allowedOrigins []string, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		poller:      poller,
		interval:    DefaultPollInterval,
		maxLifetime: DefaultMaxLifetime,
		logger:      logger.Named("websocket-manager"),
		clients:     make(map[string]*clientConnection),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		return set[origin]
	}
}

// HandleConnection upgrades the request and streams the status of state
// until it is terminal or gone. It blocks for the
// lifetime of the connection.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, kind domain.RequestKind, state string) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("Failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.maxLifetime)
	client := &clientConnection{
		id:     uuid.New().String(),
		conn:   conn,
		kind:   kind,
		state:  state,
		cancel: cancel,
	}
	if !m.register(client) {
		cancel()
		m.writeClose(conn, websocket.CloseGoingAway, "shutting down")
		_ = conn.Close()
		return
	}

	m.logger.Debug("Status stream opened",
		zap.String("kind", string(kind)),
		zap.String("state", state),
	)

	go m.readPump(client)
	m.stream(ctx, client)

	m.unregister(client)
	cancel()
	_ = conn.Close()
	m.logger.Debug("Status stream closed", zap.String("state", state))
}

func (m *Manager) register(client *clientConnection) bool {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if m.closed {
		return false
	}
	m.clients[client.id] = client
	return true
}

func (m *Manager) unregister(client *clientConnection) {
	m.clientsMu.Lock()
	delete(m.clients, client.id)
	m.clientsMu.Unlock()
}

// readPump discards client messages and cancels the stream when the client
// goes away.
func (m *Manager) readPump(client *clientConnection) {
	defer client.cancel()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (m *Manager) stream(ctx context.Context, client *clientConnection) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var last []byte
	for {
		status, err := m.poller.Poll(ctx, client.kind, client.state)
		if err != nil {
			if ctx.Err() != nil {
				m.closeCancelled(client.conn)
				return
			}
			m.logger.Warn("Status poll failed", zap.String("state", client.state), zap.Error(err))
			m.writeClose(client.conn, websocket.CloseInternalServerErr, "status unavailable")
			return
		}

		data, err := json.Marshal(status)
		if err != nil {
			m.logger.Error("Failed to encode status", zap.Error(err))
			return
		}
		if !bytes.Equal(data, last) {
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			last = data
		}

		if !status.Found || status.Terminal() {
			m.writeClose(client.conn, websocket.CloseNormalClosure, "")
			return
		}

		select {
		case <-ctx.Done():
			m.closeCancelled(client.conn)
			return
		case <-ticker.C:
		}
	}
}

// closeCancelled ends a stream whose context is done. Streams stopped by
// Close are told the server is going away; expired ones close normally.
func (m *Manager) closeCancelled(conn *websocket.Conn) {
	if m.isClosed() {
		m.writeClose(conn, websocket.CloseGoingAway, "shutting down")
		return
	}
	m.writeClose(conn, websocket.CloseNormalClosure, "")
}

func (m *Manager) isClosed() bool {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return m.closed
}

func (m *Manager) writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}

// Count returns the number of open streams
func (m *Manager) Count() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close stops every open stream and rejects new ones
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	m.closed = true
	for _, client := range m.clients {
		client.cancel()
	}
	m.clients = make(map[string]*clientConnection)
}
