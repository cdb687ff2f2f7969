package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bloom-nucleus/synapse/internal/constants"
)

// ErrFrameTooLarge is returned for frames above the configured limit.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// Byte orders of the two framings in use: native messaging over stdio is
// little-endian, the host service socket is network order.
var (
	NativeOrder binary.ByteOrder = binary.LittleEndian
	SocketOrder binary.ByteOrder = binary.BigEndian
)

// FrameReader reads 4-byte length-prefixed frames.
type FrameReader struct {
	r     io.Reader
	order binary.ByteOrder
	max   uint32
}

// NewFrameReader wraps r. A zero max means constants.MaxFrameSize.
func NewFrameReader(r io.Reader, order binary.ByteOrder, max uint32) *FrameReader {
	if max == 0 {
		max = constants.MaxFrameSize
	}
	return &FrameReader{r: r, order: order, max: max}
}

// ReadFrame returns the next frame. io.EOF is returned unwrapped on a clean
// end of stream; a stream cut mid-frame yields io.ErrUnexpectedEOF.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, err
	}
	size := f.order.Uint32(header[:])
	if size > f.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.max)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes data with a 4-byte length prefix in a single Write so
// concurrent writers sharing a locked writer never interleave.
func WriteFrame(w io.Writer, order binary.ByteOrder, data []byte) error {
	if uint64(len(data)) > uint64(constants.MaxFrameSize) {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	order.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}
