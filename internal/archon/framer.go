package archon

import (
	"bufio"
	"fmt"
	"io"
)

// binaryChunkSize is the fixed payload length of a "<XX:" binary reply,
// NUL-padded by the controller to this size regardless of how much of the
// logical buffer it actually carries.
const binaryChunkSize = 1024

// Framer turns a byte stream from the controller into a sequence of
// Reply frames. It is the Go analogue of the chunk-detection logic
// embedded in the Python controller's `_listen` loop: peek enough bytes
// to tell a text line from a binary chunk header, then consume
// accordingly.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps r for frame-at-a-time reading.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadReply blocks until one full frame has been read, returning either a
// text Reply (OK or error) or a binary chunk Reply.
func (f *Framer) ReadReply() (*Reply, error) {
	prefix, err := f.r.Peek(4)
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, fmt.Errorf("%w: reply prefix unavailable", ErrMalformedReply)
		}
		return nil, err
	}
	if (prefix[0] == '<' || prefix[0] == '?') && prefix[3] == ':' {
		return f.readBinaryChunk(prefix)
	}
	line, err := f.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return parseTextLine(trimNewline(line))
}

func (f *Framer) readBinaryChunk(prefix []byte) (*Reply, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(f.r, header); err != nil {
		return nil, err
	}
	id, err := parseHexID(header[1:3])
	if err != nil {
		return nil, err
	}
	chunk := make([]byte, binaryChunkSize)
	if _, err := io.ReadFull(f.r, chunk); err != nil {
		return nil, fmt.Errorf("archon: short binary chunk for id %02X: %w", id, err)
	}
	return &Reply{ID: id, Kind: ReplyBinary, Payload: chunk}, nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}
