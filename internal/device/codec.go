package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/fastkv/internal/conv"
	"github.com/hupe1980/fastkv/internal/hash"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the page block compression.
type Codec uint8

const (
	// CodecNone stores pages verbatim.
	CodecNone Codec = 0
	// CodecLZ4 is fast block compression, the default.
	CodecLZ4 Codec = 1
	// CodecZstd trades flush CPU for a better ratio on cold pages.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses the names returned by Codec.String.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "none", "":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	}
	return 0, fmt.Errorf("device: unknown codec %q", s)
}

var (
	// ErrCorruptPage is returned when a page blob fails validation.
	ErrCorruptPage = errors.New("device: corrupt page")
)

// Page blob layout:
//
//	[magic:4][codec:1][reserved:3][page:8][rawLen:4][crc32c(raw):4][payload]
const (
	pageMagic      = 0x50564B46 // "FKVP"
	pageHeaderSize = 24
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// encodePage frames raw page bytes. Pages that do not compress below 90% of
// their size are stored verbatim.
func encodePage(page uint64, raw []byte, codec Codec) ([]byte, error) {
	var payload []byte

	switch codec {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("device: lz4 page %d: %w", page, err)
		}
		payload = buf[:n]
	case CodecZstd:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	case CodecNone:
	default:
		return nil, fmt.Errorf("device: unknown codec %d", codec)
	}

	if len(payload) == 0 || float64(len(payload)) > float64(len(raw))*0.9 {
		codec = CodecNone
		payload = raw
	}

	out := make([]byte, pageHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:], pageMagic)
	out[4] = byte(codec)
	binary.LittleEndian.PutUint64(out[8:], page)
	binary.LittleEndian.PutUint32(out[16:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[20:], hash.Checksum(raw))
	copy(out[pageHeaderSize:], payload)
	return out, nil
}

// maxRawPageSize bounds the decoded size of a page read from storage.
const maxRawPageSize = 1 << 24

// decodePage validates and decompresses a page blob.
func decodePage(page uint64, data []byte) ([]byte, error) {
	if len(data) < pageHeaderSize {
		return nil, fmt.Errorf("%w: page %d: short header", ErrCorruptPage, page)
	}
	if binary.LittleEndian.Uint32(data[0:]) != pageMagic {
		return nil, fmt.Errorf("%w: page %d: bad magic", ErrCorruptPage, page)
	}
	if got := binary.LittleEndian.Uint64(data[8:]); got != page {
		return nil, fmt.Errorf("%w: page %d: header names page %d", ErrCorruptPage, page, got)
	}

	codec := Codec(data[4])
	rawLen := binary.LittleEndian.Uint32(data[16:])
	size, err := conv.Bounded(rawLen, maxRawPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: raw length %d", ErrCorruptPage, page, rawLen)
	}
	sum := binary.LittleEndian.Uint32(data[20:])
	payload := data[pageHeaderSize:]

	var raw []byte
	switch codec {
	case CodecNone:
		if uint32(len(payload)) != rawLen {
			return nil, fmt.Errorf("%w: page %d: length mismatch", ErrCorruptPage, page)
		}
		raw = payload
	case CodecLZ4:
		raw = make([]byte, size)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil || uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: page %d: lz4", ErrCorruptPage, page)
		}
	case CodecZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
		if err != nil || uint32(len(out)) != rawLen {
			return nil, fmt.Errorf("%w: page %d: zstd", ErrCorruptPage, page)
		}
		raw = out
	default:
		return nil, fmt.Errorf("%w: page %d: unknown codec %d", ErrCorruptPage, page, codec)
	}

	if !hash.Verify(raw, sum) {
		return nil, fmt.Errorf("%w: page %d: checksum mismatch", ErrCorruptPage, page)
	}
	return raw, nil
}
