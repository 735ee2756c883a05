package api

import (
	"bytes"
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
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"quickdrop/internal/config"
	"quickdrop/internal/models"
	"quickdrop/internal/rooms"
	"quickdrop/internal/signaling"
)

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		Port:                 0,
		LogLevel:             "debug",
		ConnectionBufferSize: 16,
		WriteTimeout:         time.Second,
		PongTimeout:          5 * time.Second,
		PingInterval:         time.Second,
		MaxMessageBytes:      1 << 16,
	}
}

func newTestServer(t *testing.T, setup ...func(*Server)) (*Server, *httptest.Server) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	entry := logrus.NewEntry(logger)

	relay := signaling.NewRelay(rooms.NewRegistry(), rooms.NewDirectory(), entry)
	srv := NewServer(testConfig(), relay, entry)
	for _, fn := range setup {
		fn(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := signaling.Encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) signaling.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := signaling.Decode(data)
	require.NoError(t, err)
	return env
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

type fakeMailer struct {
	mu    sync.Mutex
	calls [][3]string
	err   error
}

func (m *fakeMailer) SendShareCode(to, code, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, [3]string{to, code, sender})
	return m.err
}

func (m *fakeMailer) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *fakeMailer) sent() [][3]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][3]string(nil), m.calls...)
}

type fakeHistory struct {
	mu        sync.Mutex
	events    []models.RoomEvent
	err       error
	lastLimit int
}

func (h *fakeHistory) RecentEvents(_ context.Context, limit int) ([]models.RoomEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLimit = limit
	return h.events, h.err
}

func (h *fakeHistory) limit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLimit
}

func (h *fakeHistory) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func createRoomOver(t *testing.T, ts *httptest.Server, name string) (*websocket.Conn, string) {
	t.Helper()
	conn := dialWS(t, ts)
	sendEnvelope(t, conn, signaling.TypeCreateRoom, signaling.CreateRoomPayload{
		DeviceInfo: models.DeviceInfo{Name: name, Type: "desktop"},
	})
	env := readEnvelope(t, conn)
	require.Equal(t, signaling.TypeRoomCreated, env.Type)
	p, err := signaling.DecodePayload[signaling.RoomCreatedPayload](env.Payload)
	require.NoError(t, err)
	return conn, p.Code
}

func TestServer_Index(t *testing.T) {
	req := require.New(t)
	_, ts := newTestServer(t)

	var body map[string]any
	status := getJSON(t, ts.URL+"/", &body)

	req.Equal(http.StatusOK, status)
	req.Equal("Quickdrop API Server", body["message"])
	req.Contains(body, "stats")
	req.Contains(body, "endpoints")
}

func TestServer_UnknownPathIs404(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/nope", &body)

	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "Not found", body["error"])
}

func TestServer_HealthReportsStats(t *testing.T) {
	req := require.New(t)
	_, ts := newTestServer(t)

	// Given one sender with an open room
	createRoomOver(t, ts, "laptop")

	// When health is queried
	var body struct {
		Status    string          `json:"status"`
		Timestamp string          `json:"timestamp"`
		Stats     signaling.Stats `json:"stats"`
	}
	status := getJSON(t, ts.URL+"/api/health", &body)

	// Then the room and its connection are counted
	req.Equal(http.StatusOK, status)
	req.Equal("healthy", body.Status)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	req.NoError(err)
	req.Equal(1, body.Stats.ActiveRooms)
	req.Equal(1, body.Stats.ConnectedUsers)
}

func TestServer_WebSocketShareFlow(t *testing.T) {
	req := require.New(t)
	_, ts := newTestServer(t)

	// Given a sender with a catalog
	sender, code := createRoomOver(t, ts, "laptop")
	files := []models.FileDescriptor{{ID: "f1", Name: "notes.txt", Size: 12, MimeType: "text/plain"}}
	sendEnvelope(t, sender, signaling.TypeUpdateFiles, signaling.UpdateFilesPayload{Files: files})

	// When a receiver joins with a lowercase code
	receiver := dialWS(t, ts)
	sendEnvelope(t, receiver, signaling.TypeJoinRoom, signaling.JoinRoomPayload{
		Code:       strings.ToLower(code),
		DeviceInfo: models.DeviceInfo{Name: "phone", Type: "mobile"},
	})

	// Then the receiver gets the catalog and the sender hears about the receiver
	joined := readEnvelope(t, receiver)
	req.Equal(signaling.TypeRoomJoined, joined.Type)
	jp, err := signaling.DecodePayload[signaling.RoomJoinedPayload](joined.Payload)
	req.NoError(err)
	req.Equal(files, jp.Files)
	req.Equal("laptop", jp.SenderInfo.Name)

	notice := readEnvelope(t, sender)
	req.Equal(signaling.TypeReceiverJoined, notice.Type)
	rp, err := signaling.DecodePayload[signaling.ReceiverJoinedPayload](notice.Payload)
	req.NoError(err)
	req.Equal("phone", rp.DeviceInfo.Name)

	// And negotiation payloads pass through untouched
	offer := json.RawMessage(`{"url":"ws://10.0.0.2:4000/peer?token=x"}`)
	sendEnvelope(t, sender, signaling.TypeWebRTCOffer, signaling.SignalPayload{TargetID: rp.ReceiverID, Payload: offer})
	relayed := readEnvelope(t, receiver)
	req.Equal(signaling.TypeWebRTCOffer, relayed.Type)
	sp, err := signaling.DecodePayload[signaling.RelayedSignalPayload](relayed.Payload)
	req.NoError(err)
	req.Equal(jp.SenderID, sp.SenderID)
	req.JSONEq(string(offer), string(sp.Payload))

	// When the sender socket drops
	req.NoError(sender.Close())

	// Then the receiver is told
	gone := readEnvelope(t, receiver)
	req.Equal(signaling.TypeSenderDisconnected, gone.Type)
}

func TestServer_WebSocketGarbageGetsError(t *testing.T) {
	req := require.New(t)
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	req.NoError(conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	req.Equal(signaling.TypeError, env.Type)
	p, err := signaling.DecodePayload[signaling.ErrorPayload](env.Payload)
	req.NoError(err)
	req.Equal("Invalid message", p.Message)
}

func TestServer_DisconnectReleasesConnection(t *testing.T) {
	req := require.New(t)
	srv, ts := newTestServer(t)
	conn, _ := createRoomOver(t, ts, "laptop")

	req.NoError(conn.Close())

	req.Eventually(func() bool {
		stats := srv.relay.Stats()
		return stats.ActiveRooms == 0 && stats.ConnectedUsers == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestServer_InviteSendsShareCode(t *testing.T) {
	req := require.New(t)
	mailer := &fakeMailer{}
	_, ts := newTestServer(t, func(s *Server) { s.SetMailer(mailer) })
	_, code := createRoomOver(t, ts, "laptop")

	// When an invite is posted for the live room
	body, _ := json.Marshal(map[string]string{"code": code, "email": "friend@example.com"})
	resp, err := http.Post(ts.URL+"/api/rooms/invite", "application/json", bytes.NewReader(body))
	req.NoError(err)
	defer resp.Body.Close()

	// Then the mail carries the code and the sender's device name
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal([][3]string{{"friend@example.com", code, "laptop"}}, mailer.sent())
}

func postInvite(t *testing.T, ts *httptest.Server, payload string) int {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/rooms/invite", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestServer_InviteDisabledWithoutMailer(t *testing.T) {
	_, ts := newTestServer(t)
	_, code := createRoomOver(t, ts, "laptop")

	require.Equal(t, http.StatusServiceUnavailable, postInvite(t, ts, `{"code":"`+code+`","email":"a@b.co"}`))
}

func TestServer_InviteErrors(t *testing.T) {
	mailer := &fakeMailer{}
	_, ts := newTestServer(t, func(s *Server) { s.SetMailer(mailer) })
	_, code := createRoomOver(t, ts, "laptop")

	require.Equal(t, http.StatusBadRequest, postInvite(t, ts, `{`))
	require.Equal(t, http.StatusBadRequest, postInvite(t, ts, `{"code":"`+code+`","email":"not-an-email"}`))
	require.Equal(t, http.StatusNotFound, postInvite(t, ts, `{"code":"ZZZZZZ","email":"a@b.co"}`))

	// When delivery fails
	mailer.setErr(errors.New("smtp down"))
	require.Equal(t, http.StatusBadGateway, postInvite(t, ts, `{"code":"`+code+`","email":"a@b.co"}`))

	resp, err := http.Get(ts.URL + "/api/rooms/invite")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_History(t *testing.T) {
	req := require.New(t)
	var errBody map[string]string
	_, disabled := newTestServer(t)
	req.Equal(http.StatusServiceUnavailable, getJSON(t, disabled.URL+"/api/rooms/history", &errBody))

	// Given an attached audit trail
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{events: []models.RoomEvent{
		{RoomCode: "ABC123", Kind: models.RoomCreated, ConnID: "c1", DeviceName: "laptop", Timestamp: at},
	}}
	_, ts := newTestServer(t, func(s *Server) { s.SetHistory(history) })

	var events []models.RoomEvent
	req.Equal(http.StatusOK, getJSON(t, ts.URL+"/api/rooms/history?limit=5", &events))
	req.Equal(5, history.limit())
	req.Len(events, 1)
	req.Equal(models.RoomCreated, events[0].Kind)
	req.True(at.Equal(events[0].Timestamp))

	// And bad limits or store failures are reported
	req.Equal(http.StatusBadRequest, getJSON(t, ts.URL+"/api/rooms/history?limit=0", &errBody))
	history.setErr(errors.New("boom"))
	req.Equal(http.StatusInternalServerError, getJSON(t, ts.URL+"/api/rooms/history", &errBody))
	req.Equal("DB error", errBody["error"])
}

func TestServer_HistoryEmptyIsArray(t *testing.T) {
	_, ts := newTestServer(t, func(s *Server) { s.SetHistory(&fakeHistory{}) })

	resp, err := http.Get(ts.URL + "/api/rooms/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "[]", strings.TrimSpace(buf.String()))
}

func TestWSPeer_QueueFullAndClosed(t *testing.T) {
	req := require.New(t)
	peer := newWSPeer(1)

	req.NoError(peer.Send(signaling.TypeError, signaling.ErrorPayload{Message: "one"}))
	req.ErrorIs(peer.Send(signaling.TypeError, signaling.ErrorPayload{Message: "two"}), signaling.ErrPeerQueueFull)

	peer.close()
	peer.close()
	req.ErrorIs(peer.Send(signaling.TypeError, nil), signaling.ErrPeerClosed)
}
