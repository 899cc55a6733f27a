package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	header := &RangeHeader{
		Key:             "https://cdn.example.com/v/seg-001.ts",
		Offset:          4096,
		ContentType:     "video/mp2t",
		ContentLength:   13,
		ContentEncoding: EncodingIdentity,
		CachedAt:        "2024-01-15T10:30:00Z",
		ContentHash:     "blake3:deadbeef",
	}
	bodyData := []byte("hello, world!")

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, bytes.NewReader(bodyData))
	require.NoError(t, err)

	readHeader, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header, readHeader)

	readBody, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, bodyData, readBody)
}

func TestReadFramedInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("XXXX") // wrong magic
	err := binary.Write(&buf, binary.BigEndian, uint32(10))
	require.NoError(t, err)
	buf.WriteString(`{"test":1}`)

	_, _, err = ReadFramed(&buf)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestWriteFramedHeaderTooLarge(t *testing.T) {
	header := &RangeHeader{
		Key:      strings.Repeat("x", MaxHeaderSize),
		CachedAt: "2024-01-15T10:30:00Z",
	}

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, strings.NewReader(""))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	err := binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1))
	require.NoError(t, err)

	_, _, err = ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedTruncated(t *testing.T) {
	_, _, err := ReadFramed(bytes.NewReader([]byte("MC")))
	require.Error(t, err)
}

func TestCodecCompressesPlaylists(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	playlist := []byte("#EXTM3U\n" + strings.Repeat("#EXTINF:4.0,\nseg.ts\n", 500))

	encoded, encoding := codec.Encode("application/vnd.apple.mpegurl", playlist)
	require.Equal(t, EncodingZstd, encoding)
	require.Less(t, len(encoded), len(playlist))

	decoded, err := codec.Decode(encoding, encoded, int64(len(playlist)))
	require.NoError(t, err)
	require.Equal(t, playlist, decoded)
}

func TestCodecLeavesMediaAlone(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	segment := bytes.Repeat([]byte{0x47}, 8192)

	encoded, encoding := codec.Encode("video/mp2t", segment)
	require.Equal(t, EncodingIdentity, encoding)
	require.Equal(t, segment, encoded)

	// Small textual bodies are not worth compressing
	_, encoding = codec.Encode("text/plain", []byte("short"))
	require.Equal(t, EncodingIdentity, encoding)
}

func TestCodecDecodeDetectsCorruption(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode(EncodingIdentity, []byte("abc"), 4)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode(EncodingZstd, []byte("not zstd"), 8)
	require.Error(t, err)

	_, err = codec.Decode("br", []byte("abc"), 3)
	require.Error(t, err)
}

func TestCompressible(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/vnd.apple.mpegurl", true},
		{"application/x-mpegURL", true},
		{"application/dash+xml", true},
		{"text/plain; charset=utf-8", true},
		{"video/mp4", false},
		{"video/mp2t", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			require.Equal(t, tt.want, Compressible(tt.contentType))
		})
	}
}
