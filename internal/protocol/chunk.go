package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/constants"
)

// Chunk stream errors.
var (
	ErrChecksumMismatch = errors.New("protocol: chunk checksum mismatch")
	ErrUnknownStream    = errors.New("protocol: chunk for unknown message")
	ErrMalformedChunk   = errors.New("protocol: malformed chunk")
)

const chunkKey = "bloom_chunk"

type chunkFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	TotalChunks    int    `json:"total_chunks,omitempty"`
	TotalSizeBytes int    `json:"total_size_bytes,omitempty"`
	ChunkIndex     int    `json:"chunk_index,omitempty"`
	Data           string `json:"data,omitempty"`
	ChecksumVerify string `json:"checksum_verify,omitempty"`
}

// IsChunk reports whether frame belongs to a chunked transfer.
func IsChunk(frame []byte) bool {
	return gjson.GetBytes(frame, chunkKey).IsObject()
}

// SplitFrames returns data unchanged when it fits under threshold, and
// otherwise a header, the base64 data chunks and a checksum footer.
func SplitFrames(data []byte, threshold, size int) ([][]byte, error) {
	if threshold <= 0 {
		threshold = constants.ChunkThreshold
	}
	if size <= 0 {
		size = constants.ChunkSize
	}
	if len(data) <= threshold {
		return [][]byte{data}, nil
	}

	id := uuid.NewString()
	total := (len(data) + size - 1) / size
	frames := make([][]byte, 0, total+2)

	appendFrame := func(c chunkFrame) error {
		b, err := json.Marshal(map[string]chunkFrame{chunkKey: c})
		if err != nil {
			return fmt.Errorf("protocol: encode chunk: %w", err)
		}
		frames = append(frames, b)
		return nil
	}

	if err := appendFrame(chunkFrame{Type: "header", MessageID: id, TotalChunks: total, TotalSizeBytes: len(data)}); err != nil {
		return nil, err
	}
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(data))
		if err := appendFrame(chunkFrame{
			Type:       "data",
			MessageID:  id,
			ChunkIndex: i,
			Data:       base64.StdEncoding.EncodeToString(data[i*size : end]),
		}); err != nil {
			return nil, err
		}
	}
	sum := sha256.Sum256(data)
	if err := appendFrame(chunkFrame{Type: "footer", MessageID: id, ChecksumVerify: hex.EncodeToString(sum[:])}); err != nil {
		return nil, err
	}
	return frames, nil
}

type assembly struct {
	expected int
	chunks   int
	buf      []byte
	seq      uint64
}

// Reassembler rebuilds chunked transfers. When more than its limit of
// transfers are open, the oldest is discarded.
type Reassembler struct {
	mu     sync.Mutex
	limit  int
	seq    uint64
	active map[string]*assembly
}

// NewReassembler creates a reassembler. A non-positive limit means
// constants.MaxActiveChunkBuffers.
func NewReassembler(limit int) *Reassembler {
	if limit <= 0 {
		limit = constants.MaxActiveChunkBuffers
	}
	return &Reassembler{limit: limit, active: make(map[string]*assembly)}
}

// Accept consumes one chunk frame. It returns the full message and true once
// the footer arrives with a valid checksum.
func (r *Reassembler) Accept(frame []byte) ([]byte, bool, error) {
	var env map[string]chunkFrame
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	c, ok := env[chunkKey]
	if !ok || c.MessageID == "" {
		return nil, false, ErrMalformedChunk
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Type == "header" {
		if c.TotalSizeBytes < 0 || c.TotalSizeBytes > constants.MaxFrameSize {
			return nil, false, fmt.Errorf("%w: declared size %d", ErrFrameTooLarge, c.TotalSizeBytes)
		}
		if len(r.active) >= r.limit {
			r.evictOldest()
		}
		r.seq++
		r.active[c.MessageID] = &assembly{
			expected: c.TotalChunks,
			buf:      make([]byte, 0, c.TotalSizeBytes),
			seq:      r.seq,
		}
		return nil, false, nil
	}

	a, ok := r.active[c.MessageID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownStream, c.MessageID)
	}

	switch c.Type {
	case "data":
		decoded, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			delete(r.active, c.MessageID)
			return nil, false, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		if len(a.buf)+len(decoded) > constants.MaxFrameSize {
			delete(r.active, c.MessageID)
			return nil, false, ErrFrameTooLarge
		}
		a.buf = append(a.buf, decoded...)
		a.chunks++
		return nil, false, nil
	case "footer":
		delete(r.active, c.MessageID)
		sum := sha256.Sum256(a.buf)
		if hex.EncodeToString(sum[:]) != c.ChecksumVerify {
			return nil, false, fmt.Errorf("%w: %s", ErrChecksumMismatch, c.MessageID)
		}
		return a.buf, true, nil
	}
	return nil, false, fmt.Errorf("%w: type %q", ErrMalformedChunk, c.Type)
}

// Active returns the number of transfers in progress.
func (r *Reassembler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Reassembler) evictOldest() {
	var (
		oldestID  string
		oldestSeq uint64
	)
	for id, a := range r.active {
		if oldestID == "" || a.seq < oldestSeq {
			oldestID, oldestSeq = id, a.seq
		}
	}
	delete(r.active, oldestID)
}
