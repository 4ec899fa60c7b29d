// Package codec encodes persisted records as CBOR with optional lz4 block
// compression for large values. Every record the kv layer stores goes through
// EncodeRecord/DecodeRecord.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/pierrec/lz4"
	"github.com/ugorji/go/codec"
)

var (
	// ErrEmptyRecord is returned when decoding zero-length data.
	ErrEmptyRecord = errors.New("codec: empty record")

	// ErrBadFlag is returned for an unknown compression flag byte.
	ErrBadFlag = errors.New("codec: unknown record flag")
)

const (
	flagRaw byte = 0x00
	flagLZ4 byte = 0x01
)

var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	// Generic maps decode as map[string]any so payload values stay usable
	// without a second conversion pass.
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}()

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, cborHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, cborHandle).Decode(v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}

// EncodeRecord marshals v and frames it with a compression flag. Values of at
// least compressMin bytes are lz4-compressed when that actually shrinks them;
// compressMin <= 0 disables compression.
func EncodeRecord(v any, compressMin int) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	if compressMin > 0 && len(payload) >= compressMin {
		bound := lz4.CompressBlockBound(len(payload))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err == nil && n > 0 && n < len(payload) {
			frame := make([]byte, 0, 1+binary.MaxVarintLen64+n)
			frame = append(frame, flagLZ4)
			var size [binary.MaxVarintLen64]byte
			frame = append(frame, size[:binary.PutUvarint(size[:], uint64(len(payload)))]...)
			return append(frame, dst[:n]...), nil
		}
	}

	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, flagRaw)
	return append(frame, payload...), nil
}

// DecodeRecord reverses EncodeRecord into v.
func DecodeRecord(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmptyRecord
	}
	switch data[0] {
	case flagRaw:
		return Unmarshal(data[1:], v)
	case flagLZ4:
		origLen, n := binary.Uvarint(data[1:])
		if n <= 0 {
			return fmt.Errorf("codec: corrupt lz4 frame header")
		}
		dst := make([]byte, origLen)
		written, err := lz4.UncompressBlock(data[1+n:], dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		return Unmarshal(dst[:written], v)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrBadFlag, data[0])
	}
}
