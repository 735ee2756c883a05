package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"quickdrop/internal/models"
	"quickdrop/internal/signaling"
	"quickdrop/internal/transfer"
)

const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultRoomTimeout    = 10 * time.Second
	writeTimeout          = 10 * time.Second
)

var (
	ErrSignalingTimeout = errors.New("client: signaling timeout")
	ErrInvalidState     = errors.New("client: invalid state")
	ErrNotConnected     = errors.New("client: not connected")
)

// RelayError is an error{message} reply from the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string { return "client: relay error: " + e.Message }

type Config struct {
	RelayURL       string
	DeviceInfo     models.DeviceInfo
	ConnectTimeout time.Duration
	RoomTimeout    time.Duration
	ChunkSize      int
}

// JoinedRoom is what a receiver learns on joining.
type JoinedRoom struct {
	Code       string
	SenderID   string
	SenderInfo models.DeviceInfo
	Files      []models.FileDescriptor
}

type callResult struct {
	env signaling.Envelope
	err error
}

type pendingCall struct {
	expect string
	result chan callResult
}

// Session owns one relay connection and the room membership on top of it.
type Session struct {
	cfg    Config
	log    *logrus.Entry
	bus    *Bus
	dialer *websocket.Dialer
	group  singleflight.Group

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	done     chan struct{}
	pending  *pendingCall
	roomCode string
	// gen is bumped by Dispose; a dial started under an older gen is discarded.
	gen        uint64
	cancelDial context.CancelFunc

	writeMu sync.Mutex
}

func NewSession(cfg Config, log *logrus.Entry) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RoomTimeout <= 0 {
		cfg.RoomTimeout = DefaultRoomTimeout
	}
	return &Session{
		cfg:    cfg,
		log:    log.WithField("component", "client"),
		bus:    NewBus(),
		dialer: websocket.DefaultDialer,
		state:  StateDisconnected,
	}
}

func (s *Session) Events() *Bus { return s.bus }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomCode is the code of the room created or joined, if any.
func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

// Init connects to the relay. Concurrent calls share one attempt; a caller
// whose ctx ends stops waiting without cancelling the attempt.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	if connected {
		return nil
	}

	ch := s.group.DoChan("connect", func() (any, error) {
		return nil, s.connect()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) connect() error {
	if s.isConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	s.mu.Lock()
	gen, from := s.gen, s.state
	if err := checkTransition(from, StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateConnecting
	s.cancelDial = cancel
	s.mu.Unlock()
	s.announce(from, StateConnecting)

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.RelayURL, nil)
	if err != nil {
		if s.stale(gen) {
			return ErrNotConnected
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.transition(StateTimeout)
			return fmt.Errorf("%w: connect to %s", ErrSignalingTimeout, s.cfg.RelayURL)
		}
		s.transition(StateError)
		return fmt.Errorf("dial relay: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		s.log.Debug("discarding relay connection opened after dispose")
		return ErrNotConnected
	}
	from = s.state
	if err := checkTransition(from, StateConnected); err != nil {
		s.mu.Unlock()
		conn.Close()
		return err
	}
	s.state = StateConnected
	s.conn = conn
	s.done = done
	s.cancelDial = nil
	s.mu.Unlock()

	s.announce(from, StateConnected)
	go s.readLoop(conn, done)
	s.log.WithField("relay", s.cfg.RelayURL).Info("connected to relay")
	return nil
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// Dispose closes the relay connection and returns the session to disconnected.
// It is safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	conn, done := s.conn, s.done
	s.conn = nil
	s.roomCode = ""
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending.result <- callResult{err: ErrNotConnected}
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
		<-done
	}
	s.transition(StateDisconnected)
}

// CreateRoom asks the relay for a new room and returns its share code.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	env, err := s.roomCall(ctx, StateRoomCreated, signaling.TypeCreateRoom,
		signaling.CreateRoomPayload{DeviceInfo: s.cfg.DeviceInfo}, signaling.TypeRoomCreated)
	if err != nil {
		return "", err
	}
	p, err := signaling.DecodePayload[signaling.RoomCreatedPayload](env.Payload)
	if err != nil {
		s.transition(StateError)
		return "", err
	}
	s.enterRoom(StateRoomCreated, p.Code)
	return p.Code, nil
}

// JoinRoom joins the room behind code as a receiver.
func (s *Session) JoinRoom(ctx context.Context, code string) (JoinedRoom, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	env, err := s.roomCall(ctx, StateRoomJoined, signaling.TypeJoinRoom,
		signaling.JoinRoomPayload{Code: code, DeviceInfo: s.cfg.DeviceInfo}, signaling.TypeRoomJoined)
	if err != nil {
		return JoinedRoom{}, err
	}
	p, err := signaling.DecodePayload[signaling.RoomJoinedPayload](env.Payload)
	if err != nil {
		s.transition(StateError)
		return JoinedRoom{}, err
	}
	s.enterRoom(StateRoomJoined, code)
	return JoinedRoom{
		Code:       code,
		SenderID:   p.SenderID,
		SenderInfo: p.SenderInfo,
		Files:      p.Files,
	}, nil
}

// UpdateFiles replaces the catalog of the room this session created.
func (s *Session) UpdateFiles(files []models.FileDescriptor) error {
	if err := s.requireState(StateRoomCreated); err != nil {
		return err
	}
	if files == nil {
		files = []models.FileDescriptor{}
	}
	return s.write(signaling.TypeUpdateFiles, signaling.UpdateFilesPayload{Files: files})
}

// RequestFile asks the sender of the joined room for one file.
func (s *Session) RequestFile(fileID, targetID string) error {
	if err := s.requireState(StateRoomJoined); err != nil {
		return err
	}
	return s.write(signaling.TypeRequestFile, signaling.RequestFilePayload{FileID: fileID, TargetID: targetID})
}

// SendSignal relays a negotiation message to targetID.
func (s *Session) SendSignal(msgType, targetID string, payload any) error {
	if !signaling.IsSignalType(msgType) {
		return fmt.Errorf("%w: %s", signaling.ErrUnknownMessageType, msgType)
	}
	if err := s.requireState(StateRoomCreated, StateRoomJoined); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.write(msgType, signaling.SignalPayload{TargetID: targetID, Payload: raw})
}

// SendFile streams one catalog file over ch, publishing TransferProgress.
func (s *Session) SendFile(ctx context.Context, ch transfer.Channel, desc models.FileDescriptor, src io.Reader) error {
	if err := s.requireState(StateRoomCreated); err != nil {
		return err
	}
	sender := transfer.NewSender(ch, s.log, transfer.WithChunkSize(s.cfg.ChunkSize))
	return sender.SendFile(ctx, desc, src, func(fileID string, percent float64) {
		s.bus.Publish(TransferProgress{FileID: fileID, Percent: percent})
	})
}

// NewReceiver returns a transfer receiver that reports through the event bus.
func (s *Session) NewReceiver(opts ...transfer.ReceiverOption) (*transfer.Receiver, error) {
	if err := s.requireState(StateRoomJoined); err != nil {
		return nil, err
	}
	return transfer.NewReceiver(busObserver{bus: s.bus}, s.log, opts...), nil
}

type busObserver struct{ bus *Bus }

func (o busObserver) TransferProgress(fileID string, percent float64) {
	o.bus.Publish(TransferProgress{FileID: fileID, Percent: percent})
}

func (o busObserver) TransferCompleted(file transfer.ReceivedFile) {
	o.bus.Publish(FileReceived{File: file})
}

func (o busObserver) TransferFailed(fileID string, err error) {
	o.bus.Publish(TransferFailed{FileID: fileID, Err: err})
}

// roomCall sends a create/join request and waits for its reply, at most RoomTimeout.
// On expiry the call is detached and a late reply is ignored.
func (s *Session) roomCall(ctx context.Context, target State, msgType string, payload any, expect string) (signaling.Envelope, error) {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return signaling.Envelope{}, ErrNotConnected
	}
	if err := checkTransition(s.state, target); err != nil {
		s.mu.Unlock()
		return signaling.Envelope{}, err
	}
	if s.pending != nil {
		s.mu.Unlock()
		return signaling.Envelope{}, fmt.Errorf("%w: room call already in flight", ErrInvalidState)
	}
	call := &pendingCall{expect: expect, result: make(chan callResult, 1)}
	s.pending = call
	s.mu.Unlock()

	if err := s.write(msgType, payload); err != nil {
		s.detach(call)
		return signaling.Envelope{}, err
	}

	timer := time.NewTimer(s.cfg.RoomTimeout)
	defer timer.Stop()

	var res callResult
	select {
	case res = <-call.result:
	case <-timer.C:
		if s.detach(call) {
			s.log.WithField("type", msgType).Warn("relay did not answer in time")
			s.transition(StateTimeout)
			return signaling.Envelope{}, ErrSignalingTimeout
		}
		res = <-call.result
	case <-ctx.Done():
		if s.detach(call) {
			return signaling.Envelope{}, ctx.Err()
		}
		res = <-call.result
	}

	if res.err != nil {
		var relayErr *RelayError
		if errors.As(res.err, &relayErr) {
			s.transition(StateError)
		}
		return signaling.Envelope{}, res.err
	}
	return res.env, nil
}

// detach forgets call if it is still pending and reports whether it was.
func (s *Session) detach(call *pendingCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != call {
		return false
	}
	s.pending = nil
	return true
}

// claim hands env to the pending call when it is the reply that call waits for.
func (s *Session) claim(env signaling.Envelope, err error) bool {
	s.mu.Lock()
	call := s.pending
	if call == nil || (err == nil && call.expect != env.Type) {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	call.result <- callResult{env: env, err: err}
	return true
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		env, err := signaling.Decode(data)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable relay message")
			continue
		}
		s.dispatch(env)
	}

	s.mu.Lock()
	current := s.conn == conn
	var pending *pendingCall
	if current {
		s.conn = nil
		s.roomCode = ""
		pending = s.pending
		s.pending = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}

	conn.Close()
	if pending != nil {
		pending.result <- callResult{err: ErrNotConnected}
	}
	s.log.WithError(readErr).Warn("relay connection lost")
	s.transition(StateDisconnected)
	s.bus.Publish(Disconnected{Err: readErr})
}

func (s *Session) dispatch(env signaling.Envelope) {
	logger := s.log.WithField("type", env.Type)

	switch env.Type {
	case signaling.TypeRoomCreated, signaling.TypeRoomJoined:
		if !s.claim(env, nil) {
			logger.Debug("ignoring late room reply")
		}
	case signaling.TypeError:
		p, err := signaling.DecodePayload[signaling.ErrorPayload](env.Payload)
		if err != nil {
			logger.WithError(err).Warn("bad error payload")
			return
		}
		if !s.claim(env, &RelayError{Message: p.Message}) {
			s.bus.Publish(ErrorReceived{Message: p.Message})
		}
	case signaling.TypeReceiverJoined:
		p, err := signaling.DecodePayload[signaling.ReceiverJoinedPayload](env.Payload)
		if err != nil {
			logger.WithError(err).Warn("bad payload")
			return
		}
		s.bus.Publish(ReceiverJoined{ReceiverID: p.ReceiverID, DeviceInfo: p.DeviceInfo})
	case signaling.TypeFilesUpdated:
		p, err := signaling.DecodePayload[signaling.FilesUpdatedPayload](env.Payload)
		if err != nil {
			logger.WithError(err).Warn("bad payload")
			return
		}
		s.bus.Publish(FilesUpdated{Files: p.Files})
	case signaling.TypeFileRequested:
		p, err := signaling.DecodePayload[signaling.FileRequestedPayload](env.Payload)
		if err != nil {
			logger.WithError(err).Warn("bad payload")
			return
		}
		s.bus.Publish(FileRequested{FileID: p.FileID, RequesterID: p.RequesterID})
	case signaling.TypeSenderDisconnected:
		s.mu.Lock()
		if s.state == StateRoomJoined {
			s.roomCode = ""
		}
		s.mu.Unlock()
		s.transitionFrom(StateRoomJoined, StateConnected)
		s.bus.Publish(SenderDisconnected{})
	case signaling.TypeReceiverDisconnected:
		p, err := signaling.DecodePayload[signaling.ReceiverDisconnectedPayload](env.Payload)
		if err != nil {
			logger.WithError(err).Warn("bad payload")
			return
		}
		s.bus.Publish(ReceiverDisconnected{ReceiverID: p.ReceiverID})
	case signaling.TypeWebRTCOffer, signaling.TypeWebRTCAnswer, signaling.TypeWebRTCICECandidate:
		p, err := signaling.DecodePayload[signaling.RelayedSignalPayload](env.Payload)
		if err != nil {
			logger.WithError(err).Warn("bad payload")
			return
		}
		s.bus.Publish(Signal{Type: env.Type, SenderID: p.SenderID, Payload: p.Payload})
	default:
		logger.Debug("ignoring unknown relay message")
	}
}

func (s *Session) write(msgType string, payload any) error {
	data, err := signaling.Encode(msgType, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

func (s *Session) requireState(allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, s.state)
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) enterRoom(state State, code string) {
	s.mu.Lock()
	s.roomCode = code
	s.mu.Unlock()
	s.transition(state)
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.mu.Unlock()
	s.announce(from, to)
	return nil
}

func (s *Session) announce(from, to State) {
	if from == to {
		return
	}
	s.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state changed")
	s.bus.Publish(StateChanged{From: from, To: to})
}

func (s *Session) transitionFrom(from, to State) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.bus.Publish(StateChanged{From: from, To: to})
}
