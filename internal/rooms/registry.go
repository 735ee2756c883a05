package rooms

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"quickdrop/internal/models"
)

const (
	// DefaultMaxAttempts bounds share code generation retries.
	DefaultMaxAttempts = 32
	// DefaultTombstoneTTL is how long a room stays inactive after its sender left.
	DefaultTombstoneTTL = 30 * time.Second
)

var (
	ErrRoomNotFound              = errors.New("rooms: room not found")
	ErrRoomInactive              = errors.New("rooms: room is not active")
	ErrUnauthorizedCatalogUpdate = errors.New("rooms: only the room sender can update files")
	ErrSenderCannotJoin          = errors.New("rooms: sender cannot join its own room")
	ErrCodeSpaceExhausted        = errors.New("rooms: could not allocate a unique share code")
)

type room struct {
	mu           sync.Mutex
	code         string
	senderConnID string
	receivers    []string
	files        []models.FileDescriptor
	createdAt    time.Time
	closedAt     time.Time
}

func (rm *room) closed() bool { return !rm.closedAt.IsZero() }

func (rm *room) expired(now time.Time, ttl time.Duration) bool {
	return rm.closed() && now.Sub(rm.closedAt) >= ttl
}

// Snapshot is a point-in-time copy of a room.
type Snapshot struct {
	Code            string
	SenderConnID    string
	ReceiverConnIDs []string
	Files           []models.FileDescriptor
	CreatedAt       time.Time
	Active          bool
}

// JoinResult is what a receiver learns when it joins a room.
type JoinResult struct {
	Code          string
	SenderConnID  string
	Files         []models.FileDescriptor
	AlreadyJoined bool
}

type Option func(*Registry)

// WithRandom replaces the CSPRNG used for share codes.
func WithRandom(random io.Reader) Option {
	return func(r *Registry) { r.random = random }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithTombstoneTTL sets how long a closed room answers joins with ErrRoomInactive.
// A zero TTL drops closed rooms immediately.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl >= 0 {
			r.tombstoneTTL = ttl
		}
	}
}

// Registry owns every room keyed by share code.
// The registry lock guards the map, each room lock guards that room's state;
// the registry lock is always taken before a room lock.
type Registry struct {
	mu           sync.RWMutex
	rooms        map[string]*room
	random       io.Reader
	now          func() time.Time
	maxAttempts  int
	tombstoneTTL time.Duration
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:        make(map[string]*room),
		random:       rand.Reader,
		now:          time.Now,
		maxAttempts:  DefaultMaxAttempts,
		tombstoneTTL: DefaultTombstoneTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom registers a new room owned by senderConnID and returns its share code.
func (r *Registry) CreateRoom(senderConnID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code, err := generateCode(r.random)
		if err != nil {
			return "", fmt.Errorf("generate share code: %w", err)
		}
		if existing, taken := r.rooms[code]; taken {
			existing.mu.Lock()
			reusable := existing.expired(now, r.tombstoneTTL)
			existing.mu.Unlock()
			if !reusable {
				continue
			}
		}
		r.rooms[code] = &room{
			code:         code,
			senderConnID: senderConnID,
			files:        []models.FileDescriptor{},
			createdAt:    now,
		}
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// JoinRoom adds receiverConnID to the room. Joining twice is harmless.
func (r *Registry) JoinRoom(code, receiverConnID string) (JoinResult, error) {
	rm, ok := r.lookup(code)
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.expired(r.now(), r.tombstoneTTL) {
		return JoinResult{}, ErrRoomNotFound
	}
	if rm.closed() || rm.senderConnID == "" {
		return JoinResult{}, ErrRoomInactive
	}
	if rm.senderConnID == receiverConnID {
		return JoinResult{}, ErrSenderCannotJoin
	}

	already := lo.Contains(rm.receivers, receiverConnID)
	if !already {
		rm.receivers = append(rm.receivers, receiverConnID)
	}
	return JoinResult{
		Code:          rm.code,
		SenderConnID:  rm.senderConnID,
		Files:         models.CloneFiles(rm.files),
		AlreadyJoined: already,
	}, nil
}

// UpdateCatalog replaces the whole catalog and returns the receivers to notify.
// A caller other than the sender changes nothing.
func (r *Registry) UpdateCatalog(code, senderConnID string, files []models.FileDescriptor) ([]string, error) {
	rm, ok := r.lookup(code)
	if !ok {
		return nil, ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed() || rm.senderConnID != senderConnID {
		return nil, ErrUnauthorizedCatalogUpdate
	}
	rm.files = models.CloneFiles(files)
	return slices.Clone(rm.receivers), nil
}

// RemoveRoom closes the room and returns the receivers joined at that moment.
// The second call for the same room reports false.
func (r *Registry) RemoveRoom(code string) ([]string, bool) {
	rm, ok := r.lookup(code)
	if !ok {
		return nil, false
	}

	rm.mu.Lock()
	if rm.closed() {
		rm.mu.Unlock()
		return nil, false
	}
	receivers := rm.receivers
	rm.receivers = nil
	rm.files = nil
	rm.senderConnID = ""
	rm.closedAt = r.now()
	rm.mu.Unlock()

	if r.tombstoneTTL == 0 {
		r.mu.Lock()
		if r.rooms[code] == rm {
			delete(r.rooms, code)
		}
		r.mu.Unlock()
	}
	return receivers, true
}

// RemoveReceiver drops connID from the room and returns the sender to notify.
func (r *Registry) RemoveReceiver(code, connID string) (string, bool) {
	rm, ok := r.lookup(code)
	if !ok {
		return "", false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !lo.Contains(rm.receivers, connID) {
		return "", false
	}
	rm.receivers = lo.Without(rm.receivers, connID)
	return rm.senderConnID, true
}

func (r *Registry) Get(code string) (Snapshot, bool) {
	rm, ok := r.lookup(code)
	if !ok {
		return Snapshot{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.expired(r.now(), r.tombstoneTTL) {
		return Snapshot{}, false
	}
	return Snapshot{
		Code:            rm.code,
		SenderConnID:    rm.senderConnID,
		ReceiverConnIDs: slices.Clone(rm.receivers),
		Files:           models.CloneFiles(rm.files),
		CreatedAt:       rm.createdAt,
		Active:          !rm.closed(),
	}, true
}

// Len returns the number of live rooms. Tombstones are not counted.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rm := range r.rooms {
		rm.mu.Lock()
		if !rm.closed() {
			n++
		}
		rm.mu.Unlock()
	}
	return n
}

// Sweep forgets tombstones whose TTL elapsed and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for code, rm := range r.rooms {
		rm.mu.Lock()
		expired := rm.expired(now, r.tombstoneTTL)
		rm.mu.Unlock()
		if expired {
			delete(r.rooms, code)
			removed++
		}
	}
	return removed
}

func (r *Registry) lookup(code string) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[code]
	return rm, ok
}
