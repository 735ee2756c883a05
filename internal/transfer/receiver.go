package transfer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultMaxFileSize bounds how much one in-memory transfer may announce.
const DefaultMaxFileSize = 2 << 30

// ReceivedFile is a fully reassembled file.
type ReceivedFile struct {
	FileID   string
	Name     string
	MimeType string
	Data     []byte
}

// Observer is notified about incoming transfers. Calls are made without
// the receiver lock held, in frame order.
type Observer interface {
	TransferProgress(fileID string, percent float64)
	TransferCompleted(file ReceivedFile)
	TransferFailed(fileID string, err error)
}

type incoming struct {
	start        FileStart
	chunks       [][]byte
	receivedSize uint64
	lastPercent  float64
}

type ReceiverOption func(*Receiver)

func WithMaxFileSize(n uint64) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxFileSize = n
		}
	}
}

// Receiver reassembles files from the frames of one channel.
type Receiver struct {
	mu          sync.Mutex
	active      map[string]*incoming
	observer    Observer
	maxFileSize uint64
	log         *logrus.Entry
}

func NewReceiver(observer Observer, log *logrus.Entry, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		active:      make(map[string]*incoming),
		observer:    observer,
		maxFileSize: DefaultMaxFileSize,
		log:         log.WithField("component", "transfer-receiver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleText processes a file-start or file-end control frame.
func (r *Receiver) HandleText(data []byte) error {
	frame, err := DecodeControlFrame(data)
	if err != nil {
		r.log.WithError(err).Debug("dropping control frame")
		return err
	}
	switch f := frame.(type) {
	case *FileStart:
		return r.start(*f)
	case *FileEnd:
		return r.finish(*f)
	}
	return nil
}

func (r *Receiver) start(f FileStart) error {
	if f.Size > r.maxFileSize {
		err := fmt.Errorf("%w: %d bytes", ErrFileTooLarge, f.Size)
		r.observer.TransferFailed(f.FileID, err)
		return err
	}

	r.mu.Lock()
	if _, exists := r.active[f.FileID]; exists {
		r.mu.Unlock()
		r.log.WithField("file", f.FileID).Warn("duplicate file-start ignored")
		return ErrDuplicateStart
	}
	r.active[f.FileID] = &incoming{start: f}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"file": f.FileID, "name": f.Name, "size": f.Size}).Info("receiving file")
	return nil
}

// HandleBinary appends one chunk frame. Chunks for unknown files are dropped.
func (r *Receiver) HandleBinary(frame []byte) error {
	fileID, payload, err := DecodeChunkFrame(frame)
	if err != nil {
		r.log.WithError(err).Debug("dropping chunk frame")
		return err
	}

	r.mu.Lock()
	in, ok := r.active[fileID]
	if !ok {
		r.mu.Unlock()
		r.log.WithField("file", fileID).Debug("chunk for unknown file dropped")
		return fmt.Errorf("%w: unknown file %q", ErrMalformedFrame, fileID)
	}
	if in.receivedSize+uint64(len(payload)) > in.start.Size {
		delete(r.active, fileID)
		r.mu.Unlock()
		err := fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, in.start.Size)
		r.observer.TransferFailed(fileID, err)
		return err
	}
	// the frame buffer belongs to the transport
	in.chunks = append(in.chunks, bytes.Clone(payload))
	in.receivedSize += uint64(len(payload))
	p := percent(in.receivedSize, in.start.Size)
	report := p < 100 && p > in.lastPercent
	if report {
		in.lastPercent = p
	}
	r.mu.Unlock()

	if report {
		r.observer.TransferProgress(fileID, p)
	}
	return nil
}

func (r *Receiver) finish(f FileEnd) error {
	r.mu.Lock()
	in, ok := r.active[f.FileID]
	delete(r.active, f.FileID)
	r.mu.Unlock()
	if !ok {
		r.log.WithField("file", f.FileID).Debug("file-end for unknown file dropped")
		return fmt.Errorf("%w: unknown file %q", ErrMalformedFrame, f.FileID)
	}

	logger := r.log.WithFields(logrus.Fields{"file": f.FileID, "name": in.start.Name})
	data := bytes.Join(in.chunks, nil)
	if data == nil {
		data = []byte{}
	}
	if uint64(len(data)) != in.start.Size {
		err := fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, len(data), in.start.Size)
		logger.WithError(err).Warn("transfer failed")
		r.observer.TransferFailed(f.FileID, err)
		return err
	}
	if f.Checksum != "" && f.Checksum != Checksum(data) {
		logger.WithError(ErrChecksumMismatch).Warn("transfer failed")
		r.observer.TransferFailed(f.FileID, ErrChecksumMismatch)
		return ErrChecksumMismatch
	}

	r.observer.TransferProgress(f.FileID, 100)
	r.observer.TransferCompleted(ReceivedFile{
		FileID:   f.FileID,
		Name:     in.start.Name,
		MimeType: in.start.MimeType,
		Data:     data,
	})
	logger.WithField("chunks", len(in.chunks)).Info("file received")
	return nil
}

// Active returns the number of transfers awaiting file-end.
func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Reset discards every partial transfer, e.g. when the channel closes.
// Each discarded transfer is reported as failed with cause.
func (r *Receiver) Reset(cause error) {
	r.mu.Lock()
	dropped := r.active
	r.active = make(map[string]*incoming)
	r.mu.Unlock()

	for id := range dropped {
		r.observer.TransferFailed(id, cause)
	}
}
