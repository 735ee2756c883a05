package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"quickdrop/internal/api"
	"quickdrop/internal/config"
	"quickdrop/internal/models"
	"quickdrop/internal/rooms"
	"quickdrop/internal/signaling"
	"quickdrop/internal/transfer"
)

const waitFor = 3 * time.Second

func nullEntry() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger)
}

type relayServer struct {
	*httptest.Server
	upgrades atomic.Int32
	// handshakeDelay holds upgrades back, in nanoseconds.
	handshakeDelay atomic.Int64
}

func (r *relayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(r.URL, "http") + "/ws"
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	cfg := config.RelayConfig{
		ConnectionBufferSize: 64,
		WriteTimeout:         time.Second,
		PongTimeout:          10 * time.Second,
		PingInterval:         5 * time.Second,
		MaxMessageBytes:      1 << 20,
	}
	relay := signaling.NewRelay(rooms.NewRegistry(), rooms.NewDirectory(), nullEntry())
	handler := api.NewServer(cfg, relay, nullEntry()).Handler()

	rs := &relayServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			rs.upgrades.Add(1)
			time.Sleep(time.Duration(rs.handshakeDelay.Load()))
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

// newSilentServer accepts sockets and never answers.
func newSilentServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type events struct {
	mu  sync.Mutex
	all []any
}

func collect(s *Session) *events {
	e := &events{}
	s.Events().Subscribe(func(ev any) {
		e.mu.Lock()
		e.all = append(e.all, ev)
		e.mu.Unlock()
	})
	return e
}

func (e *events) snapshot() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.all...)
}

func waitEvent[T any](t *testing.T, e *events) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, ev := range e.snapshot() {
			if typed, ok := ev.(T); ok {
				found = typed
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
	return found
}

func newSession(t *testing.T, url, name string) *Session {
	t.Helper()
	s := NewSession(Config{
		RelayURL:    url,
		DeviceInfo:  models.DeviceInfo{Name: name, Type: "desktop"},
		RoomTimeout: 2 * time.Second,
		ChunkSize:   1024,
	}, nullEntry())
	t.Cleanup(s.Dispose)
	return s
}

func connected(t *testing.T, url, name string) *Session {
	t.Helper()
	s := newSession(t, url, name)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestSession_InitCoalescesConcurrentCalls(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	s := newSession(t, relay.wsURL(), "laptop")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Init(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		req.NoError(err)
	}
	req.Equal(StateConnected, s.State())
	req.Equal(int32(1), relay.upgrades.Load())

	// And a later Init reuses the open socket
	req.NoError(s.Init(context.Background()))
	req.Equal(int32(1), relay.upgrades.Load())
}

func TestSession_DisposeDuringInitDiscardsConnection(t *testing.T) {
	req := require.New(t)

	// Given a relay whose handshake takes a while
	relay := newRelayServer(t)
	relay.handshakeDelay.Store(int64(300 * time.Millisecond))
	s := newSession(t, relay.wsURL(), "Laptop")

	// When the session is disposed while Init is still dialing
	initErr := make(chan error, 1)
	go func() { initErr <- s.Init(context.Background()) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, waitFor, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	s.Dispose()

	// Then the attempt is abandoned and the session stays disconnected
	select {
	case err := <-initErr:
		req.ErrorIs(err, ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("Init did not return after Dispose")
	}
	time.Sleep(400 * time.Millisecond)
	req.Equal(StateDisconnected, s.State())
	req.False(s.isConnected())

	// And a later Init connects cleanly and room calls work
	relay.handshakeDelay.Store(0)
	req.NoError(s.Init(context.Background()))
	req.Equal(StateConnected, s.State())
	code, err := s.CreateRoom(context.Background())
	req.NoError(err)
	req.True(rooms.ValidCode(code))
}

func TestSession_InitFailureEntersError(t *testing.T) {
	req := require.New(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http") + "/ws"
	dead.Close()
	s := newSession(t, url, "laptop")
	seen := collect(s)

	err := s.Init(context.Background())

	req.Error(err)
	req.Equal(StateError, s.State())
	req.Equal([]any{
		StateChanged{From: StateDisconnected, To: StateConnecting},
		StateChanged{From: StateConnecting, To: StateError},
	}, seen.snapshot())
}

func TestSession_RoomCallsRequireConnection(t *testing.T) {
	req := require.New(t)
	s := newSession(t, "ws://127.0.0.1:1/ws", "laptop")

	_, err := s.CreateRoom(context.Background())
	req.ErrorIs(err, ErrNotConnected)
	req.ErrorIs(s.UpdateFiles(nil), ErrNotConnected)
	req.Equal(StateDisconnected, s.State())
}

func TestSession_GuardsByState(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	s := connected(t, relay.wsURL(), "laptop")

	req.ErrorIs(s.UpdateFiles(nil), ErrInvalidState)
	req.ErrorIs(s.RequestFile("f1", "x"), ErrInvalidState)
	req.ErrorIs(s.SendSignal(signaling.TypeWebRTCOffer, "x", nil), ErrInvalidState)
	req.ErrorIs(s.SendSignal("bogus", "x", nil), signaling.ErrUnknownMessageType)
	_, err := s.NewReceiver()
	req.ErrorIs(err, ErrInvalidState)
}

func TestSession_ShareFlow(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	sender := connected(t, relay.wsURL(), "laptop")
	receiver := connected(t, relay.wsURL(), "phone")
	senderEvents := collect(sender)
	receiverEvents := collect(receiver)

	// Given a room with a catalog
	code, err := sender.CreateRoom(context.Background())
	req.NoError(err)
	req.True(rooms.ValidCode(code))
	req.Equal(StateRoomCreated, sender.State())
	req.Equal(code, sender.RoomCode())
	files := []models.FileDescriptor{{ID: "f1", Name: "a.txt", Size: 3, MimeType: "text/plain"}}
	req.NoError(sender.UpdateFiles(files))

	// When the receiver joins with a sloppy code
	joined, err := receiver.JoinRoom(context.Background(), " "+strings.ToLower(code)+" ")

	// Then it sees the catalog and the sender sees the receiver
	req.NoError(err)
	req.Equal(StateRoomJoined, receiver.State())
	req.Equal(code, joined.Code)
	req.Equal("laptop", joined.SenderInfo.Name)
	req.Equal(files, joined.Files)
	rj := waitEvent[ReceiverJoined](t, senderEvents)
	req.Equal("phone", rj.DeviceInfo.Name)

	// And later catalog changes, requests and signals flow both ways
	next := []models.FileDescriptor{{ID: "f2", Name: "b.bin", Size: 9}}
	req.NoError(sender.UpdateFiles(next))
	req.Equal(next, waitEvent[FilesUpdated](t, receiverEvents).Files)

	req.NoError(receiver.RequestFile("f2", joined.SenderID))
	fr := waitEvent[FileRequested](t, senderEvents)
	req.Equal("f2", fr.FileID)
	req.Equal(rj.ReceiverID, fr.RequesterID)

	req.NoError(sender.SendSignal(signaling.TypeWebRTCOffer, rj.ReceiverID, map[string]string{"url": "ws://x"}))
	sig := waitEvent[Signal](t, receiverEvents)
	req.Equal(signaling.TypeWebRTCOffer, sig.Type)
	req.Equal(joined.SenderID, sig.SenderID)
	req.JSONEq(`{"url":"ws://x"}`, string(sig.Payload))
}

func TestSession_JoinUnknownRoomThenRetry(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	sender := connected(t, relay.wsURL(), "laptop")
	receiver := connected(t, relay.wsURL(), "phone")
	code, err := sender.CreateRoom(context.Background())
	req.NoError(err)

	// When the first attempt uses a wrong code
	_, err = receiver.JoinRoom(context.Background(), "ZZZZZZ")

	// Then the relay error is surfaced and the session is in error
	var relayErr *RelayError
	req.ErrorAs(err, &relayErr)
	req.Equal("Room not found", relayErr.Message)
	req.Equal(StateError, receiver.State())

	// And a retry over the same socket succeeds
	_, err = receiver.JoinRoom(context.Background(), code)
	req.NoError(err)
	req.Equal(StateRoomJoined, receiver.State())
}

func TestSession_CreateRoomTimesOut(t *testing.T) {
	req := require.New(t)
	s := NewSession(Config{
		RelayURL:    newSilentServer(t),
		DeviceInfo:  models.DeviceInfo{Name: "laptop"},
		RoomTimeout: 100 * time.Millisecond,
	}, nullEntry())
	t.Cleanup(s.Dispose)
	req.NoError(s.Init(context.Background()))

	start := time.Now()
	_, err := s.CreateRoom(context.Background())

	req.ErrorIs(err, ErrSignalingTimeout)
	req.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
	req.Equal(StateTimeout, s.State())
	req.Empty(s.RoomCode())

	// And the detached call does not block the next one
	_, err = s.CreateRoom(context.Background())
	req.ErrorIs(err, ErrSignalingTimeout)
}

func TestSession_CreateRoomHonoursContext(t *testing.T) {
	req := require.New(t)
	s := connected(t, newSilentServer(t), "laptop")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.CreateRoom(ctx)

	req.ErrorIs(err, context.DeadlineExceeded)
	req.Equal(StateConnected, s.State())
}

func TestSession_SenderDisconnectReturnsReceiverToConnected(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	sender := connected(t, relay.wsURL(), "laptop")
	receiver := connected(t, relay.wsURL(), "phone")
	receiverEvents := collect(receiver)
	code, err := sender.CreateRoom(context.Background())
	req.NoError(err)
	_, err = receiver.JoinRoom(context.Background(), code)
	req.NoError(err)

	sender.Dispose()

	waitEvent[SenderDisconnected](t, receiverEvents)
	req.Equal(StateConnected, receiver.State())
	req.Empty(receiver.RoomCode())
	req.Equal(StateDisconnected, sender.State())

	// And the sender hears about receivers leaving in the reverse case
	other := connected(t, relay.wsURL(), "desk")
	otherEvents := collect(other)
	code, err = other.CreateRoom(context.Background())
	req.NoError(err)
	_, err = receiver.JoinRoom(context.Background(), code)
	req.NoError(err)
	receiver.Dispose()
	waitEvent[ReceiverDisconnected](t, otherEvents)
}

// newDroppingServer closes the first socket once drop is closed and keeps later ones open.
func newDroppingServer(t *testing.T) (string, chan struct{}) {
	t.Helper()
	drop := make(chan struct{})
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if accepted.Add(1) == 1 {
			<-drop
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), drop
}

func TestSession_RelayDropPublishesDisconnected(t *testing.T) {
	req := require.New(t)
	url, drop := newDroppingServer(t)
	s := connected(t, url, "laptop")
	seen := collect(s)

	close(drop)

	waitEvent[Disconnected](t, seen)
	req.Equal(StateDisconnected, s.State())

	// And the session can connect again
	req.NoError(s.Init(context.Background()))
	req.Equal(StateConnected, s.State())
}

func TestSession_DisposeIsIdempotent(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	s := connected(t, relay.wsURL(), "laptop")

	s.Dispose()
	s.Dispose()

	req.Equal(StateDisconnected, s.State())
	req.ErrorIs(s.UpdateFiles(nil), ErrNotConnected)
}

// pipe hands frames straight to a receiver.
type pipe struct{ rx *transfer.Receiver }

func (p pipe) WriteText(_ context.Context, data []byte) error { return p.rx.HandleText(data) }
func (p pipe) WriteBinary(_ context.Context, data []byte) error {
	return p.rx.HandleBinary(data)
}

func TestSession_FileTransferEvents(t *testing.T) {
	req := require.New(t)
	relay := newRelayServer(t)
	sender := connected(t, relay.wsURL(), "laptop")
	receiver := connected(t, relay.wsURL(), "phone")
	code, err := sender.CreateRoom(context.Background())
	req.NoError(err)
	_, err = receiver.JoinRoom(context.Background(), code)
	req.NoError(err)

	senderEvents := collect(sender)
	receiverEvents := collect(receiver)
	rx, err := receiver.NewReceiver()
	req.NoError(err)

	data := make([]byte, 5000)
	_, err = rand.Read(data)
	req.NoError(err)
	desc := models.FileDescriptor{ID: "f1", Name: "blob.bin", Size: uint64(len(data))}

	// When the sender streams the file in 1 KiB chunks
	req.NoError(sender.SendFile(context.Background(), pipe{rx: rx}, desc, bytes.NewReader(data)))

	// Then the receiver publishes the exact bytes and both sides end at 100
	got := waitEvent[FileReceived](t, receiverEvents)
	req.Equal("blob.bin", got.File.Name)
	req.True(bytes.Equal(data, got.File.Data))

	lastPercent := func(e *events) float64 {
		p := -1.0
		for _, ev := range e.snapshot() {
			if tp, ok := ev.(TransferProgress); ok {
				req.GreaterOrEqual(tp.Percent, p)
				p = tp.Percent
			}
		}
		return p
	}
	req.Equal(100.0, lastPercent(senderEvents))
	req.Equal(100.0, lastPercent(receiverEvents))

	// And the sender side is refused for a receiver
	err = receiver.SendFile(context.Background(), pipe{rx: rx}, desc, bytes.NewReader(data))
	req.ErrorIs(err, ErrInvalidState)
}

func TestRelayError_Message(t *testing.T) {
	err := error(&RelayError{Message: "Room is not active"})
	require.Equal(t, "client: relay error: Room is not active", err.Error())
}
