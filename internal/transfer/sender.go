package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"quickdrop/internal/models"
)

// Channel is the ordered, reliable peer transport transfers run over.
// Implementations must be safe for concurrent writers.
type Channel interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
}

// ProgressFunc receives a percentage in [0, 100].
type ProgressFunc func(fileID string, percent float64)

type SenderOption func(*Sender)

// WithChunkSize sets the payload size of each binary frame.
func WithChunkSize(n int) SenderOption {
	return func(s *Sender) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// Sender streams files over a Channel. One Sender may serve several
// concurrent SendFile calls; frames of one file stay in order.
type Sender struct {
	ch        Channel
	chunkSize int
	log       *logrus.Entry
}

func NewSender(ch Channel, log *logrus.Entry, opts ...SenderOption) *Sender {
	s := &Sender{
		ch:        ch,
		chunkSize: DefaultChunkSize,
		log:       log.WithField("component", "transfer-sender"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendFile writes file-start, the content of src in chunks, then file-end.
// Progress reaches 100 only after file-end has been written.
func (s *Sender) SendFile(ctx context.Context, desc models.FileDescriptor, src io.Reader, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(string, float64) {}
	}
	logger := s.log.WithFields(logrus.Fields{"file": desc.ID, "name": desc.Name, "size": desc.Size})

	start, err := json.Marshal(FileStart{
		Type:     TypeFileStart,
		FileID:   desc.ID,
		Name:     desc.Name,
		Size:     desc.Size,
		MimeType: desc.MimeType,
	})
	if err != nil {
		return fmt.Errorf("encode file-start: %w", err)
	}
	if err := s.ch.WriteText(ctx, start); err != nil {
		return fmt.Errorf("write file-start: %w", err)
	}

	hasher := newHasher()
	buf := make([]byte, s.chunkSize)
	var offset uint64
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if offset+uint64(n) > desc.Size {
				return fmt.Errorf("%w: source longer than %d bytes", ErrSizeMismatch, desc.Size)
			}
			hasher.Write(buf[:n])
			if err := s.ch.WriteBinary(ctx, EncodeChunkFrame(desc.ID, buf[:n])); err != nil {
				return fmt.Errorf("write chunk %d: %w", chunks, err)
			}
			offset += uint64(n)
			chunks++
			if p := percent(offset, desc.Size); p < 100 {
				onProgress(desc.ID, p)
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read %s: %w", desc.Name, readErr)
		}
	}
	if offset != desc.Size {
		return fmt.Errorf("%w: read %d of %d bytes", ErrSizeMismatch, offset, desc.Size)
	}

	end, err := json.Marshal(FileEnd{Type: TypeFileEnd, FileID: desc.ID, Checksum: checksum(hasher)})
	if err != nil {
		return fmt.Errorf("encode file-end: %w", err)
	}
	if err := s.ch.WriteText(ctx, end); err != nil {
		return fmt.Errorf("write file-end: %w", err)
	}
	onProgress(desc.ID, 100)

	logger.WithField("chunks", chunks).Info("file sent")
	return nil
}

func percent(done, total uint64) float64 {
	if total == 0 || done >= total {
		return 100
	}
	return float64(done) / float64(total) * 100
}
