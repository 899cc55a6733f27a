package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes is the 4-byte prefix for framed range files.
	MagicBytes = []byte("MCR1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected MCR1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupted is returned when a decoded body does not match its recorded length.
	ErrCorrupted = errors.New("stored range is corrupted")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the minimum body size before compression is considered.
	CompressionThreshold = 2048

	// EncodingIdentity marks an uncompressed body.
	EncodingIdentity = "identity"

	// EncodingZstd marks a zstd-compressed body.
	EncodingZstd = "zstd"
)

// RangeHeader describes one stored byte range of a resource.
type RangeHeader struct {
	Key             string `json:"key"`
	Offset          int64  `json:"offset"`
	ContentType     string `json:"content_type,omitempty"`
	ContentLength   int64  `json:"content_length"`
	ContentEncoding string `json:"content_encoding"`
	ContentHash     string `json:"content_hash"`
	CachedAt        string `json:"cached_at"`
}

// WriteFramed writes a framed range to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *RangeHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed reads a framed range from the reader.
// Returns the parsed header and a reader for the (still encoded) body.
func ReadFramed(r io.Reader) (*RangeHeader, io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header RangeHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}

// Codec compresses textual bodies (playlists, manifests) with zstd.
// Media segments are stored as-is since they are already compressed.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with a shared zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode returns the body to store and its encoding.
// Only compressible content types above CompressionThreshold are compressed,
// and only when compression actually shrinks the body.
func (c *Codec) Encode(contentType string, body []byte) ([]byte, string) {
	if len(body) < CompressionThreshold || !Compressible(contentType) {
		return body, EncodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return body, EncodingIdentity
	}

	compressed := enc.EncodeAll(body, nil)
	if len(compressed) >= len(body) {
		return body, EncodingIdentity
	}
	return compressed, EncodingZstd
}

// Decode reverses Encode. expectedLen bounds decompression.
func (c *Codec) Decode(encoding string, payload []byte, expectedLen int64) ([]byte, error) {
	switch encoding {
	case EncodingIdentity, "":
		if int64(len(payload)) != expectedLen {
			return nil, ErrCorrupted
		}
		return payload, nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()
	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	out, err := dec.DecodeAll(payload, make([]byte, 0, expectedLen))
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	if int64(len(out)) != expectedLen {
		return nil, ErrCorrupted
	}
	return out, nil
}

// Compressible reports whether a content type is textual.
func Compressible(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "application/vnd.apple.mpegurl",
		mediaType == "application/x-mpegurl",
		mediaType == "application/dash+xml",
		mediaType == "application/json",
		mediaType == "application/xml":
		return true
	}
	return false
}
