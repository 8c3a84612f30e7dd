// Package codec implements the gateway's wire encoding: JSON or MessagePack
// frame bodies, with an optional per-connection zlib stream for clients
// that request compression. It also provides Objectify, the
// integer-normalization pass that large integers and permission
// bitfields need before they reach this package — by the time a value
// gets here it is already a GatewayMessage envelope with its payload
// pre-serialized into Data, so the walk has to happen one layer up, in
// whatever composed the payload (see internal/session.mustMarshalData).
package codec

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding names the wire body format negotiated at connect time.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding validates the `encoding` query-string parameter.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("codec: unsupported encoding %q", s)
	}
}

// Marshal serializes v (a GatewayMessage envelope) using the given
// encoding. v's Data field must already be normalized — Objectify
// cannot see inside it once it's json.RawMessage, so it runs earlier,
// against the pre-serialization payload.
func Marshal(enc Encoding, v interface{}) ([]byte, error) {
	switch enc {
	case EncodingMsgpack:
		return msgpack.Marshal(v)
	default:
		return marshalJSON(v)
	}
}

// Unmarshal deserializes a client-sent frame body. Client frames are never
// compressed; only the server->client stream may be.
func Unmarshal(enc Encoding, data []byte, v interface{}) error {
	switch enc {
	case EncodingMsgpack:
		return msgpack.Unmarshal(data, v)
	default:
		return unmarshalJSON(data, v)
	}
}

// Compressor wraps a single long-lived zlib stream for one connection's
// outgoing frames. The original implementation recreated a zlib context
// per message on one code path, silently breaking the stream for
// clients expecting continuous deflate history; this type is built once
// per session and reused for every frame, each flushed with Z_SYNC_FLUSH
// so the peer's inflate stream can consume it frame-by-frame without
// waiting for the connection to close.
type Compressor struct {
	buf *bytes.Buffer
	zw  *zlib.Writer
}

// NewCompressor creates a fresh zlib stream.
func NewCompressor() *Compressor {
	buf := new(bytes.Buffer)
	return &Compressor{buf: buf, zw: zlib.NewWriter(buf)}
}

// Compress writes data into the stream and flushes it as one complete
// deflate block, returning the bytes produced for this frame. The
// compression dictionary carries over from the previous call.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	c.buf.Reset()
	if _, err := c.zw.Write(data); err != nil {
		return nil, fmt.Errorf("codec: zlib write: %w", err)
	}
	if err := c.zw.Flush(); err != nil {
		return nil, fmt.Errorf("codec: zlib flush: %w", err)
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// Close releases the underlying zlib writer.
func (c *Compressor) Close() error {
	return c.zw.Close()
}

// Decompressor is a placeholder kept for symmetry with Compressor. It has
// no methods and nothing constructs it: clients never send compressed
// frames in this protocol.
type Decompressor struct {
	r io.ReadCloser
}

// permissionsKey is matched as a substring of any object key, mirroring
// the original implementation's check.
const permissionsKey = "permissions"

// maxSafeInt is the largest integer value that round-trips safely through
// a float64-backed JSON number in every client runtime this protocol
// targets (2^31-1, matching the original gateway's threshold).
const maxSafeInt = int64(1<<31 - 1)

// Objectify recursively walks v, converting any integer greater than
// maxSafeInt or less than -maxSafeInt, and any integer under a key
// containing "permissions", into its decimal string form. Maps and slices are copied; all other values pass
// through unchanged.
func Objectify(v interface{}) interface{} {
	return objectify(v, "")
}

func objectify(v interface{}, key string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[k] = objectify(sub, k)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = objectify(sub, key)
		}
		return out
	case int:
		return coerceInt(int64(val), key)
	case int32:
		return coerceInt(int64(val), key)
	case int64:
		return coerceInt(val, key)
	case uint64:
		if val > uint64(maxSafeInt) || strings.Contains(strings.ToLower(key), permissionsKey) {
			return strconv.FormatUint(val, 10)
		}
		return val
	default:
		return val
	}
}

func coerceInt(n int64, key string) interface{} {
	if n > maxSafeInt || n < -maxSafeInt || strings.Contains(strings.ToLower(key), permissionsKey) {
		return strconv.FormatInt(n, 10)
	}
	return n
}
