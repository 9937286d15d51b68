// Package codec compresses and decompresses raw sample buffers.
//
// Storage format: samples are packed little-endian at the width of their
// dtype and compressed as a single zstd frame. Payloads written by older
// deployments as zlib streams are still accepted on read; new payloads are
// always zstd.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"seisflow/internal/domain"
)

// Codec errors.
var (
	// ErrCorruptChunk is returned when a payload cannot be decoded.
	// Callers assembling many chunks skip the offending chunk.
	ErrCorruptChunk = errors.New("corrupt chunk")

	// ErrInvalidSample is returned when a value cannot be represented in the target dtype.
	ErrInvalidSample = errors.New("sample not representable in dtype")

	// ErrUnsupportedDType is returned for unknown dtypes.
	ErrUnsupportedDType = errors.New("unsupported dtype")
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// maxDecodedSize bounds a single decompressed chunk (256 MiB).
const maxDecodedSize = 256 << 20

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
)

// coders returns process-wide zstd coders. EncodeAll/DecodeAll are safe for
// concurrent use, so one pair serves every goroutine.
func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		encoder, initErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithZeroFrames(true), // empty chunks still carry a frame header
		)
		if initErr != nil {
			return
		}
		decoder, initErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return encoder, decoder, initErr
}

// Compress packs samples as dtype and returns a zstd frame.
func Compress(dtype domain.DType, samples []float64) ([]byte, error) {
	raw, err := Pack(dtype, samples)
	if err != nil {
		return nil, err
	}
	enc, _, err := coders()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2+16)), nil
}

// Decompress inflates payload and unpacks it as dtype. When countHint > 0 the
// decoded sample count must match it exactly.
func Decompress(payload []byte, dtype domain.DType, countHint int) ([]float64, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, dtype)
	}

	raw, err := inflate(payload)
	if err != nil {
		return nil, err
	}

	if len(raw)%dtype.Size() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s width", ErrCorruptChunk, len(raw), dtype)
	}
	if countHint > 0 && len(raw)/dtype.Size() != countHint {
		return nil, fmt.Errorf("%w: decoded %d samples, expected %d", ErrCorruptChunk, len(raw)/dtype.Size(), countHint)
	}

	return Unpack(dtype, raw)
}

func inflate(payload []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(payload, zstdMagic):
		_, dec, err := coders()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		raw, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptChunk, err)
		}
		return raw, nil

	case isZlibHeader(payload):
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorruptChunk, err)
		}
		defer r.Close()
		raw, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", ErrCorruptChunk, err)
		}
		if len(raw) > maxDecodedSize {
			return nil, fmt.Errorf("%w: zlib stream exceeds %d bytes", ErrCorruptChunk, maxDecodedSize)
		}
		return raw, nil

	default:
		return nil, fmt.Errorf("%w: unrecognised frame header", ErrCorruptChunk)
	}
}

// isZlibHeader checks CMF/FLG per RFC 1950: deflate method and valid FCHECK.
func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	return b[0]&0x0f == 8 && b[0]>>4 <= 7 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// CompressLegacy writes a zlib payload. Only used to produce fixtures for the
// legacy read path.
func CompressLegacy(dtype domain.DType, samples []float64) ([]byte, error) {
	raw, err := Pack(dtype, samples)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// Pack encodes samples little-endian at dtype width.
func Pack(dtype domain.DType, samples []float64) ([]byte, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, dtype)
	}

	buf := make([]byte, 0, len(samples)*size)
	for i, v := range samples {
		switch dtype {
		case domain.DTypeInt32:
			if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
				return nil, fmt.Errorf("%w: sample %d = %v as int32", ErrInvalidSample, i, v)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		case domain.DTypeFloat32:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		case domain.DTypeFloat64:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf, nil
}

// Unpack decodes a little-endian buffer of dtype values.
func Unpack(dtype domain.DType, raw []byte) ([]float64, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDType, dtype)
	}
	if len(raw)%size != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptChunk, len(raw)%size)
	}

	out := make([]float64, len(raw)/size)
	for i := range out {
		off := i * size
		switch dtype {
		case domain.DTypeInt32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(raw[off:])))
		case domain.DTypeFloat32:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
		case domain.DTypeFloat64:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[off:]))
		}
	}
	return out, nil
}
