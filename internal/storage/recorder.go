//go:generate go run go.uber.org/mock/mockgen -source=recorder.go -destination=mocks/mock_event_writer.go -package=mocks

package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"quickdrop/internal/models"
)

const writeTimeout = 5 * time.Second

// EventWriter is the persistence side of the audit trail.
type EventWriter interface {
	WriteEvent(ctx context.Context, event models.RoomEvent) error
}

// Recorder queues room events and writes them from a single background worker.
// Record never blocks: when the queue is full the event is dropped.
type Recorder struct {
	writer  EventWriter
	events  chan models.RoomEvent
	log     *logrus.Entry
	dropped atomic.Uint64
	done    chan struct{}
}

func NewRecorder(writer EventWriter, buffer int, log *logrus.Entry) *Recorder {
	if buffer <= 0 {
		buffer = 1
	}
	return &Recorder{
		writer: writer,
		events: make(chan models.RoomEvent, buffer),
		log:    log.WithField("component", "audit"),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) Record(event models.RoomEvent) {
	select {
	case r.events <- event:
	default:
		n := r.dropped.Add(1)
		r.log.WithFields(logrus.Fields{"room": event.RoomCode, "kind": event.Kind, "dropped": n}).
			Warn("audit queue full, event dropped")
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case e := <-r.events:
			r.write(e)
		}
	}
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.events:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e models.RoomEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.writer.WriteEvent(ctx, e); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"room": e.RoomCode, "kind": e.Kind}).Error("audit write failed")
	}
}
