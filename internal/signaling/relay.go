package signaling

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/models"
	"quickdrop/internal/rooms"
)

// Peer is the outbound side of one relay connection. Send only enqueues.
type Peer interface {
	Send(msgType string, payload any) error
}

// Auditor receives room lifecycle events. Record must not block.
type Auditor interface {
	Record(event models.RoomEvent)
}

type nopAuditor struct{}

func (nopAuditor) Record(models.RoomEvent) {}

// Stats is the relay summary served by the health endpoints.
type Stats struct {
	ActiveRooms    int `json:"activeRooms"`
	ConnectedUsers int `json:"connectedUsers"`
}

type Option func(*Relay)

func WithAuditor(a Auditor) Option {
	return func(r *Relay) {
		if a != nil {
			r.auditor = a
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay routes signaling messages between the connections of a room.
type Relay struct {
	registry  *rooms.Registry
	directory *rooms.Directory
	auditor   Auditor
	log       *logrus.Entry
	now       func() time.Time

	peersMu sync.RWMutex
	peers   map[string]Peer

	// roomLocks serialize the handlers of one room from registry change to enqueue.
	// Never hold two at once.
	roomLocks [roomLockStripes]sync.Mutex
}

const roomLockStripes = 64

func (r *Relay) lockRoom(code string) func() {
	h := fnv.New32a()
	h.Write([]byte(code))
	mu := &r.roomLocks[h.Sum32()%roomLockStripes]
	mu.Lock()
	return mu.Unlock
}

func NewRelay(registry *rooms.Registry, directory *rooms.Directory, log *logrus.Entry, opts ...Option) *Relay {
	r := &Relay{
		registry:  registry,
		directory: directory,
		auditor:   nopAuditor{},
		log:       log.WithField("component", "relay"),
		now:       time.Now,
		peers:     make(map[string]Peer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers the outbound side of a new connection.
func (r *Relay) Connect(connID string, peer Peer) {
	r.peersMu.Lock()
	r.peers[connID] = peer
	r.peersMu.Unlock()
	r.log.WithField("conn", connID).Debug("connection opened")
}

// Disconnect tears down everything owned by connID. Only the first call has an effect.
func (r *Relay) Disconnect(connID string) {
	r.peersMu.Lock()
	_, ok := r.peers[connID]
	delete(r.peers, connID)
	r.peersMu.Unlock()
	if !ok {
		return
	}

	if rec, found := r.directory.Remove(connID); found {
		r.detach(rec)
	}
	r.log.WithField("conn", connID).Info("connection closed")
}

func (r *Relay) Stats() Stats {
	return Stats{
		ActiveRooms:    r.registry.Len(),
		ConnectedUsers: r.directory.Len(),
	}
}

// RoomInfo describes a live room for the HTTP surface.
type RoomInfo struct {
	Code      string
	Sender    models.DeviceInfo
	Receivers int
	Files     int
	CreatedAt time.Time
}

// Room reports a live room. Tombstones are not returned.
func (r *Relay) Room(code string) (RoomInfo, bool) {
	snap, ok := r.registry.Get(code)
	if !ok || !snap.Active {
		return RoomInfo{}, false
	}
	info := RoomInfo{
		Code:      snap.Code,
		Receivers: len(snap.ReceiverConnIDs),
		Files:     len(snap.Files),
		CreatedAt: snap.CreatedAt,
	}
	if rec, found := r.directory.Get(snap.SenderConnID); found {
		info.Sender = rec.DeviceInfo
	}
	return info, true
}

// Sweep drops expired room tombstones.
func (r *Relay) Sweep() int {
	n := r.registry.Sweep()
	if n > 0 {
		r.log.WithField("rooms", n).Debug("tombstones swept")
	}
	return n
}

// Handle processes one inbound envelope from connID.
// A panic in a handler is reported to the caller only.
func (r *Relay) Handle(connID string, raw []byte) {
	logger := r.log.WithField("conn", connID)
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("panic", rec).Error("handler panicked")
			r.sendError(connID, "Internal server error")
		}
	}()

	env, err := Decode(raw)
	if err != nil {
		logger.WithError(err).Warn("dropping undecodable message")
		r.sendError(connID, "Invalid message")
		return
	}
	logger = logger.WithField("type", env.Type)

	switch {
	case env.Type == TypeCreateRoom:
		p, err := DecodePayload[CreateRoomPayload](env.Payload)
		if err != nil {
			r.rejectPayload(logger, connID, err)
			return
		}
		r.createRoom(connID, p)
	case env.Type == TypeJoinRoom:
		p, err := DecodePayload[JoinRoomPayload](env.Payload)
		if err != nil {
			r.rejectPayload(logger, connID, err)
			return
		}
		r.joinRoom(connID, p)
	case env.Type == TypeUpdateFiles:
		p, err := DecodePayload[UpdateFilesPayload](env.Payload)
		if err != nil {
			r.rejectPayload(logger, connID, err)
			return
		}
		r.updateFiles(connID, p)
	case IsSignalType(env.Type):
		p, err := DecodePayload[SignalPayload](env.Payload)
		if err != nil {
			r.rejectPayload(logger, connID, err)
			return
		}
		r.forwardSignal(connID, env.Type, p)
	case env.Type == TypeRequestFile:
		p, err := DecodePayload[RequestFilePayload](env.Payload)
		if err != nil {
			r.rejectPayload(logger, connID, err)
			return
		}
		r.requestFile(connID, p)
	default:
		logger.WithError(ErrUnknownMessageType).Debug("unsupported message")
		r.sendError(connID, "Unknown message type")
	}
}

func (r *Relay) createRoom(connID string, p CreateRoomPayload) {
	logger := r.log.WithField("conn", connID)

	rec, known := r.directory.Get(connID)
	if known && rec.Role == models.RoleSender && rec.RoomCode != "" {
		if snap, ok := r.registry.Get(rec.RoomCode); ok && snap.Active && snap.SenderConnID == connID {
			r.send(connID, TypeRoomCreated, RoomCreatedPayload{Code: rec.RoomCode})
			return
		}
	}

	code, err := r.registry.CreateRoom(connID)
	if err != nil {
		logger.WithError(err).Error("create room failed")
		r.sendError(connID, "Failed to create room")
		return
	}
	if known && rec.RoomCode != "" {
		r.detach(rec)
	}

	unlock := r.lockRoom(code)
	r.directory.Upsert(models.ConnectionRecord{
		ConnID:     connID,
		DeviceInfo: p.DeviceInfo,
		Role:       models.RoleSender,
		RoomCode:   code,
	})
	r.send(connID, TypeRoomCreated, RoomCreatedPayload{Code: code})
	r.audit(code, models.RoomCreated, connID, p.DeviceInfo.Name)
	unlock()

	logger.WithFields(logrus.Fields{"room": code, "device": p.DeviceInfo.Name}).Info("room created")
}

func (r *Relay) joinRoom(connID string, p JoinRoomPayload) {
	code := strings.ToUpper(strings.TrimSpace(p.Code))
	logger := r.log.WithFields(logrus.Fields{"conn": connID, "room": code})

	if !rooms.ValidCode(code) {
		logger.Info("join refused: malformed code")
		r.sendError(connID, joinErrorMessage(rooms.ErrRoomNotFound))
		return
	}
	prev, ok := r.enterRoom(connID, code, p.DeviceInfo, logger)
	if ok && prev.RoomCode != "" && prev.RoomCode != code {
		r.detach(prev)
	}
}

// enterRoom joins connID to code and enqueues the replies under the room lock.
// It returns the connection's previous record, if any.
func (r *Relay) enterRoom(connID, code string, device models.DeviceInfo, logger *logrus.Entry) (models.ConnectionRecord, bool) {
	defer r.lockRoom(code)()

	res, err := r.registry.JoinRoom(code, connID)
	if err != nil {
		logger.WithError(err).Info("join refused")
		r.sendError(connID, joinErrorMessage(err))
		return models.ConnectionRecord{}, false
	}

	prev, hadPrev := r.directory.Get(connID)
	r.directory.Upsert(models.ConnectionRecord{
		ConnID:     connID,
		DeviceInfo: device,
		Role:       models.RoleReceiver,
		RoomCode:   res.Code,
	})

	senderInfo := models.DeviceInfo{}
	if senderRec, ok := r.directory.Get(res.SenderConnID); ok {
		senderInfo = senderRec.DeviceInfo
	}
	r.send(connID, TypeRoomJoined, RoomJoinedPayload{
		Files:      res.Files,
		SenderID:   res.SenderConnID,
		SenderInfo: senderInfo,
	})
	if res.AlreadyJoined {
		return prev, hadPrev
	}

	r.send(res.SenderConnID, TypeReceiverJoined, ReceiverJoinedPayload{
		ReceiverID: connID,
		DeviceInfo: device,
	})
	r.audit(res.Code, models.ReceiverJoined, connID, device.Name)
	logger.WithField("device", device.Name).Info("receiver joined")
	return prev, hadPrev
}

func (r *Relay) updateFiles(connID string, p UpdateFilesPayload) {
	logger := r.log.WithField("conn", connID)

	rec, ok := r.directory.Get(connID)
	if !ok || rec.Role != models.RoleSender {
		logger.WithError(rooms.ErrUnauthorizedCatalogUpdate).Warn("ignoring update-files from non-sender")
		return
	}
	if len(lo.UniqBy(p.Files, func(f models.FileDescriptor) string { return f.ID })) != len(p.Files) {
		logger.WithError(ErrDuplicateFileID).Warn("rejecting catalog")
		r.sendError(connID, "Duplicate file id")
		return
	}

	unlock := r.lockRoom(rec.RoomCode)
	receivers, err := r.registry.UpdateCatalog(rec.RoomCode, connID, p.Files)
	if err != nil {
		unlock()
		logger.WithError(err).Warn("ignoring update-files")
		return
	}
	files := models.CloneFiles(p.Files)
	for _, receiverID := range receivers {
		r.send(receiverID, TypeFilesUpdated, FilesUpdatedPayload{Files: files})
	}
	unlock()
	logger.WithFields(logrus.Fields{
		"room":      rec.RoomCode,
		"files":     len(files),
		"receivers": len(receivers),
	}).Info("catalog updated")
}

func (r *Relay) forwardSignal(connID, msgType string, p SignalPayload) {
	if !r.identified(p.TargetID) || !r.send(p.TargetID, msgType, RelayedSignalPayload{SenderID: connID, Payload: p.Payload}) {
		r.log.WithFields(logrus.Fields{"conn": connID, "target": p.TargetID, "type": msgType}).
			WithError(ErrUnknownRelayTarget).Debug("signal dropped")
	}
}

func (r *Relay) requestFile(connID string, p RequestFilePayload) {
	if !r.identified(p.TargetID) || !r.send(p.TargetID, TypeFileRequested, FileRequestedPayload{FileID: p.FileID, RequesterID: connID}) {
		r.log.WithFields(logrus.Fields{"conn": connID, "target": p.TargetID, "file": p.FileID}).
			WithError(ErrUnknownRelayTarget).Debug("file request dropped")
	}
}

// detach removes rec from its room and notifies the other side.
func (r *Relay) detach(rec models.ConnectionRecord) {
	if rec.RoomCode == "" {
		return
	}
	logger := r.log.WithFields(logrus.Fields{"conn": rec.ConnID, "room": rec.RoomCode})
	defer r.lockRoom(rec.RoomCode)()

	switch rec.Role {
	case models.RoleSender:
		receivers, ok := r.registry.RemoveRoom(rec.RoomCode)
		if !ok {
			return
		}
		for _, receiverID := range receivers {
			r.send(receiverID, TypeSenderDisconnected, nil)
		}
		r.audit(rec.RoomCode, models.RoomClosed, rec.ConnID, rec.DeviceInfo.Name)
		logger.WithField("receivers", len(receivers)).Info("room closed")
	case models.RoleReceiver:
		senderID, ok := r.registry.RemoveReceiver(rec.RoomCode, rec.ConnID)
		if !ok {
			return
		}
		if senderID != "" {
			r.send(senderID, TypeReceiverDisconnected, ReceiverDisconnectedPayload{ReceiverID: rec.ConnID})
		}
		r.audit(rec.RoomCode, models.ReceiverLeft, rec.ConnID, rec.DeviceInfo.Name)
		logger.Info("receiver left")
	}
}

// identified reports whether connID has created or joined a room.
func (r *Relay) identified(connID string) bool {
	_, ok := r.directory.Get(connID)
	return ok
}

func (r *Relay) peer(connID string) (Peer, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	p, ok := r.peers[connID]
	return p, ok
}

// send reports false when connID is not connected.
func (r *Relay) send(connID, msgType string, payload any) bool {
	p, ok := r.peer(connID)
	if !ok {
		return false
	}
	if err := p.Send(msgType, payload); err != nil {
		r.log.WithFields(logrus.Fields{"conn": connID, "type": msgType}).WithError(err).Warn("outbound message lost")
	}
	return true
}

func (r *Relay) sendError(connID, message string) {
	r.send(connID, TypeError, ErrorPayload{Message: message})
}

func (r *Relay) rejectPayload(logger *logrus.Entry, connID string, err error) {
	logger.WithError(err).Info("invalid payload")
	r.sendError(connID, "Invalid payload")
}

func (r *Relay) audit(code string, kind models.RoomEventKind, connID, device string) {
	r.auditor.Record(models.RoomEvent{
		RoomCode:   code,
		Kind:       kind,
		ConnID:     connID,
		DeviceName: device,
		Timestamp:  r.now(),
	})
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, rooms.ErrRoomInactive):
		return "Room is not active"
	case errors.Is(err, rooms.ErrSenderCannotJoin):
		return "Cannot join your own room"
	default:
		return "Failed to join room"
	}
}
