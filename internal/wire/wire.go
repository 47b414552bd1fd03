// Package wire decodes recording-segment messages from the stream into
// domain items. A message is a CBOR map whose payload may be compressed
// with zstd or block-mode LZ4.
package wire

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/haukened/segvault/internal/domain"
)

// Payload encodings.
const (
	EncodingNone = ""
	EncodingZstd = "zstd"
	EncodingLZ4  = "lz4"
)

// DefaultMaxPayload bounds the decompressed payload of one message.
const DefaultMaxPayload = 16 << 20

var errIncompressible = errors.New("data is incompressible")

// message is the on-the-wire shape. TenantID is a pointer so an absent
// field can be told apart from tenant zero.
type message struct {
	Key        string `cbor:"key"`
	TenantID   *int64 `cbor:"tenant_id"`
	ReceivedAt int64  `cbor:"received_at,omitempty"`
	Encoding   string `cbor:"encoding,omitempty"`
	Size       int    `cbor:"size,omitempty"`
	Payload    []byte `cbor:"payload"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	// zstdDecoders holds one decoder per payload limit, keyed by int.
	zstdDecoders sync.Map
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		MaxMapPairs:    64,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
}

// zstdDecoderFor returns a decoder whose output is capped at limit bytes.
func zstdDecoderFor(limit int) (*zstd.Decoder, error) {
	if d, ok := zstdDecoders.Load(limit); ok {
		return d.(*zstd.Decoder), nil
	}
	d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		return nil, err
	}
	actual, loaded := zstdDecoders.LoadOrStore(limit, d)
	if loaded {
		d.Close()
	}
	return actual.(*zstd.Decoder), nil
}

// Decode parses one stream message. Every failure wraps
// domain.ErrMalformedMessage so the consumer can skip the message.
func Decode(data []byte, maxPayload int) (domain.Item, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	var m message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return domain.Item{}, malformed("cbor: %v", err)
	}
	if m.Key == "" {
		return domain.Item{}, malformed("missing key")
	}
	if m.TenantID == nil {
		return domain.Item{}, malformed("missing tenant_id")
	}
	payload, err := decompress(m.Encoding, m.Payload, m.Size, maxPayload)
	if err != nil {
		return domain.Item{}, malformed("%v", err)
	}
	item := domain.Item{Key: m.Key, TenantID: *m.TenantID, Payload: payload}
	if m.ReceivedAt > 0 {
		item.ReceivedAt = time.UnixMilli(m.ReceivedAt).UTC()
	}
	return item, nil
}

// Encode builds a message for item, compressing the payload with encoding.
// Incompressible payloads are sent uncompressed.
func Encode(item domain.Item, encoding string) ([]byte, error) {
	tenant := item.TenantID
	m := message{Key: item.Key, TenantID: &tenant, Payload: item.Payload}
	if !item.ReceivedAt.IsZero() {
		m.ReceivedAt = item.ReceivedAt.UnixMilli()
	}
	body, err := compress(encoding, item.Payload)
	switch {
	case errors.Is(err, errIncompressible):
	case err != nil:
		return nil, err
	default:
		m.Encoding, m.Size, m.Payload = encoding, len(item.Payload), body
	}
	return encMode.Marshal(m)
}

// SegmentKey builds the storage key for one segment of a replay. Segment
// numbers are zero padded so lexical order matches numeric order under a
// "<tenant>/<replay>/" prefix scan.
func SegmentKey(tenantID int64, replayID string, segmentID int) string {
	return strconv.FormatInt(tenantID, 10) + "/" + replayID + "/" + fmt.Sprintf("%010d", segmentID)
}

func compress(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case EncodingNone:
		return nil, errIncompressible
	case EncodingZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	case EncodingLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func decompress(encoding string, body []byte, size, maxPayload int) ([]byte, error) {
	if encoding == EncodingNone {
		if len(body) > maxPayload {
			return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(body), maxPayload)
		}
		if body == nil {
			body = []byte{}
		}
		return body, nil
	}
	if size < 0 || size > maxPayload {
		return nil, fmt.Errorf("declared size %d out of range", size)
	}
	switch encoding {
	case EncodingZstd:
		dec, err := zstdDecoderFor(maxPayload)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	case EncodingLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
