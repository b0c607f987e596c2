package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
	"github.com/sirosfoundation/go-vc-request-backend/internal/service"
)

// scriptedPoller returns the scripted statuses in order, repeating the last
type scriptedPoller struct {
	mu       sync.Mutex
	statuses []*service.PublicStatus
	err      error
	calls    int
}

func (p *scriptedPoller) Poll(ctx context.Context, kind domain.RequestKind, state string) (*service.PublicStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := p.calls - 1
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	return p.statuses[i], nil
}

func status(s domain.RequestStatus) *service.PublicStatus {
	return &service.PublicStatus{Found: true, Code: s.PublicCode(), RequestStatus: s, Message: s.Message()}
}

func startServer(t *testing.T, m *Manager) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HandleConnection(w, r, domain.KindPresentation, r.URL.Query().Get("id"))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?id=state-1"
}

func readAll(t *testing.T, conn *websocket.Conn) []map[string]interface{} {
	t.Helper()
	var msgs []map[string]interface{}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			return msgs
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		msgs = append(msgs, m)
	}
}

func TestManager_StreamsUntilTerminal(t *testing.T) {
	poller := &scriptedPoller{statuses: []*service.PublicStatus{
		status(domain.StatusRequestCreated),
		status(domain.StatusRequestCreated),
		status(domain.StatusRequestRetrieved),
		status(domain.StatusPresentationVerified),
	}}
	m := NewManager(poller, nil, zap.NewNop(), WithPollInterval(10*time.Millisecond))
	url := startServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := readAll(t, conn)
	require.Len(t, msgs, 3, "unchanged statuses are not pushed twice")
	assert.Equal(t, float64(domain.PublicCodeCreated), msgs[0]["status"])
	assert.Equal(t, float64(domain.PublicCodeRetrieved), msgs[1]["status"])
	assert.Equal(t, float64(domain.PublicCodeSucceeded), msgs[2]["status"])
	assert.Equal(t, "presentation_verified", msgs[2]["requestStatus"])
}

func TestManager_UnknownStateClosesImmediately(t *testing.T) {
	poller := &scriptedPoller{statuses: []*service.PublicStatus{{Found: false}}}
	m := NewManager(poller, nil, zap.NewNop(), WithPollInterval(10*time.Millisecond))
	url := startServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := readAll(t, conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0]["status"])
	assert.Equal(t, service.NoDataMessage, msgs[0]["message"])
}

func TestManager_PollError(t *testing.T) {
	poller := &scriptedPoller{err: errors.New("store down")}
	m := NewManager(poller, nil, zap.NewNop())
	url := startServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
}

func TestManager_MaxLifetime(t *testing.T) {
	poller := &scriptedPoller{statuses: []*service.PublicStatus{status(domain.StatusRequestCreated)}}
	m := NewManager(poller, nil, zap.NewNop(),
		WithPollInterval(10*time.Millisecond),
		WithMaxLifetime(100*time.Millisecond))
	url := startServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := readAll(t, conn)
	assert.Len(t, msgs, 1)
}

func TestManager_Close(t *testing.T) {
	poller := &scriptedPoller{statuses: []*service.PublicStatus{status(domain.StatusRequestCreated)}}
	m := NewManager(poller, nil, zap.NewNop(), WithPollInterval(10*time.Millisecond))
	url := startServer(t, m)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Count() == 1 }, time.Second, 10*time.Millisecond)

	m.Close()
	assert.Equal(t, 0, m.Count())

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// new connections are refused once closed
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn2.Close()
	_ = conn2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn2.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	wildcard := originChecker([]string{"*"})
	assert.True(t, wildcard(req("https://evil.example")))

	open := originChecker(nil)
	assert.True(t, open(req("https://evil.example")))

	strict := originChecker([]string{"https://vc.example.com"})
	assert.True(t, strict(req("https://vc.example.com")))
	assert.True(t, strict(req("")))
	assert.False(t, strict(req("https://evil.example")))
}

func TestManager_RejectsDisallowedOrigin(t *testing.T) {
	poller := &scriptedPoller{statuses: []*service.PublicStatus{status(domain.StatusRequestCreated)}}
	m := NewManager(poller, []string{"https://vc.example.com"}, zap.NewNop())
	url := startServer(t, m)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
