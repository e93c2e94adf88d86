package archon

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// BufferSample distinguishes the pixel encoding a frame buffer was
// configured for: 16-bit unsigned samples, or 32-bit for binned/summed
// readouts.
type BufferSample int

const (
	Sample16Bit BufferSample = 0
	Sample32Bit BufferSample = 1
)

// FrameInfo is the parsed FRAME reply: which buffer is currently being
// written (WBuf) and, per buffer number [1,3], whether it's complete and
// its geometry/address/timestamp.
type FrameInfo struct {
	raw  Keywords
	WBuf int
}

func newFrameInfo(kw Keywords) (*FrameInfo, error) {
	wbuf, err := kw.Int("wbuf")
	if err != nil {
		return nil, err
	}
	return &FrameInfo{raw: kw, WBuf: wbuf}, nil
}

func (f *FrameInfo) bufKey(n int, suffix string) string { return fmt.Sprintf("buf%d%s", n, suffix) }

// Complete reports whether buffer n has a fully written frame.
func (f *FrameInfo) Complete(n int) bool {
	v, err := f.raw.Int(f.bufKey(n, "complete"))
	return err == nil && v == 1
}

// Timestamp returns buffer n's completion timestamp (hex-encoded in the
// wire reply, as with every *TIME field).
func (f *FrameInfo) Timestamp(n int) (int64, error) {
	return f.raw.HexInt(f.bufKey(n, "timestamp"))
}

// Geometry returns buffer n's width, height, sample encoding and base
// address.
func (f *FrameInfo) Geometry(n int) (width, height int, sample BufferSample, base int64, err error) {
	width, err = f.raw.Int(f.bufKey(n, "width"))
	if err != nil {
		return
	}
	height, err = f.raw.Int(f.bufKey(n, "height"))
	if err != nil {
		return
	}
	s, err := f.raw.Int(f.bufKey(n, "sample"))
	if err != nil {
		return
	}
	sample = BufferSample(s)
	b, err := f.raw.Int(f.bufKey(n, "base"))
	if err != nil {
		return
	}
	base = int64(b)
	return
}

// LatestComplete returns the buffer number with the most recent
// completion timestamp among [1,3], the same selection fetch(-1) makes
// in the Python controller.
func (f *FrameInfo) LatestComplete() (int, error) {
	best, bestTS := -1, int64(-1)
	for n := 1; n <= 3; n++ {
		if !f.Complete(n) {
			continue
		}
		ts, err := f.Timestamp(n)
		if err != nil {
			return 0, err
		}
		if ts > bestTS {
			best, bestTS = n, ts
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("archon: there are no buffers ready to be read")
	}
	return best, nil
}

// FrameBuffer is the decoded pixel payload of a fetched frame buffer. It
// is a transport-level container only: it knows how to reshape the raw
// little-endian sample stream into rows and columns, and can hand out a
// gonum dense-matrix view of those samples for a caller that wants
// gonum's indexing/slicing, but it never computes statistics over the
// pixels itself; that belongs to whatever downstream reduction pipeline
// consumes the frame, not to the driver.
type FrameBuffer struct {
	BufferNo int
	Width    int
	Height   int
	Sample   BufferSample
	Raw      []byte
	pixels   []float64
}

func newFrameBuffer(bufferNo, width, height int, sample BufferSample, raw []byte) (*FrameBuffer, error) {
	n := width * height
	pixels := make([]float64, n)
	switch sample {
	case Sample16Bit:
		if len(raw) < n*2 {
			return nil, fmt.Errorf("archon: short frame buffer: need %d bytes, have %d", n*2, len(raw))
		}
		for i := 0; i < n; i++ {
			pixels[i] = float64(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		}
	case Sample32Bit:
		if len(raw) < n*4 {
			return nil, fmt.Errorf("archon: short frame buffer: need %d bytes, have %d", n*4, len(raw))
		}
		for i := 0; i < n; i++ {
			o := 4 * i
			pixels[i] = float64(uint32(raw[o]) | uint32(raw[o+1])<<8 | uint32(raw[o+2])<<16 | uint32(raw[o+3])<<24)
		}
	default:
		return nil, fmt.Errorf("archon: unknown buffer sample encoding %d", sample)
	}
	return &FrameBuffer{
		BufferNo: bufferNo,
		Width:    width,
		Height:   height,
		Sample:   sample,
		Raw:      raw,
		pixels:   pixels,
	}, nil
}

// Matrix returns a row-major gonum dense matrix view of the decoded
// samples, shaped (Height, Width). It is a plain container conversion,
// not an analysis step.
func (fb *FrameBuffer) Matrix() *mat.Dense {
	return mat.NewDense(fb.Height, fb.Width, append([]float64(nil), fb.pixels...))
}

// Uint16 returns the decoded samples as a uint16 slice; valid only when
// Sample == Sample16Bit.
func (fb *FrameBuffer) Uint16() ([]uint16, error) {
	if fb.Sample != Sample16Bit {
		return nil, fmt.Errorf("archon: buffer %d is not 16-bit encoded", fb.BufferNo)
	}
	out := make([]uint16, len(fb.pixels))
	for i, v := range fb.pixels {
		out[i] = uint16(v)
	}
	return out, nil
}

// Uint32 returns the decoded samples as a uint32 slice; valid only when
// Sample == Sample32Bit.
func (fb *FrameBuffer) Uint32() ([]uint32, error) {
	if fb.Sample != Sample32Bit {
		return nil, fmt.Errorf("archon: buffer %d is not 32-bit encoded", fb.BufferNo)
	}
	out := make([]uint32, len(fb.pixels))
	for i, v := range fb.pixels {
		out[i] = uint32(v)
	}
	return out, nil
}
