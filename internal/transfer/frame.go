package transfer

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultChunkSize is the payload size of one binary frame.
	DefaultChunkSize = 16 * 1024
	// MaxFileIDLength bounds the id prefix of a chunk frame.
	MaxFileIDLength = 1024

	lengthPrefixSize = 4
)

// Control frame types.
const (
	TypeFileStart = "file-start"
	TypeFileEnd   = "file-end"
)

var (
	ErrMalformedFrame   = errors.New("transfer: malformed frame")
	ErrSizeMismatch     = errors.New("transfer: received size does not match announced size")
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	ErrDuplicateStart   = errors.New("transfer: file already in progress")
	ErrFileTooLarge     = errors.New("transfer: file exceeds receive limit")
)

// FileStart opens a transfer.
type FileStart struct {
	Type     string `json:"type"`
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	Size     uint64 `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// FileEnd closes a transfer. Checksum is the hex BLAKE2b-256 of the content.
type FileEnd struct {
	Type     string `json:"type"`
	FileID   string `json:"fileId"`
	Checksum string `json:"checksum,omitempty"`
}

// EncodeChunkFrame lays out uint32be(len(fileID)) | fileID | payload.
func EncodeChunkFrame(fileID string, payload []byte) []byte {
	frame := make([]byte, lengthPrefixSize+len(fileID)+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(fileID)))
	copy(frame[lengthPrefixSize:], fileID)
	copy(frame[lengthPrefixSize+len(fileID):], payload)
	return frame
}

// DecodeChunkFrame splits a binary frame. The payload aliases frame.
func DecodeChunkFrame(frame []byte) (string, []byte, error) {
	if len(frame) < lengthPrefixSize {
		return "", nil, fmt.Errorf("%w: %d byte frame", ErrMalformedFrame, len(frame))
	}
	idLen := binary.BigEndian.Uint32(frame)
	if idLen == 0 || idLen > MaxFileIDLength || uint64(idLen) > uint64(len(frame)-lengthPrefixSize) {
		return "", nil, fmt.Errorf("%w: file id length %d", ErrMalformedFrame, idLen)
	}
	end := lengthPrefixSize + int(idLen)
	return string(frame[lengthPrefixSize:end]), frame[end:], nil
}

// DecodeControlFrame parses a text frame into a *FileStart or *FileEnd.
func DecodeControlFrame(data []byte) (any, error) {
	var head struct {
		Type   string `json:"type"`
		FileID string `json:"fileId"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.FileID == "" || len(head.FileID) > MaxFileIDLength {
		return nil, fmt.Errorf("%w: missing file id", ErrMalformedFrame)
	}

	switch head.Type {
	case TypeFileStart:
		var start FileStart
		if err := json.Unmarshal(data, &start); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &start, nil
	case TypeFileEnd:
		var end FileEnd
		if err := json.Unmarshal(data, &end); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &end, nil
	default:
		return nil, fmt.Errorf("%w: control type %q", ErrMalformedFrame, head.Type)
	}
}

func newHasher() hash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

func checksum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the hex BLAKE2b-256 digest carried by file-end.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
