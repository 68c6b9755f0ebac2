// Package codec encodes document state into the versioned snapshot envelope:
//
//	[0..4)   magic "VDSN"
//	[4]      envelope version (1)
//	[5]      compression flag (0 none, 1 gzip)
//	[6..10)  uncompressed size, u32 little-endian
//	[10..14) CRC32 (IEEE) of the uncompressed canonical JSON, u32 little-endian
//	[14..20) reserved
//	[20..)   payload
//
// Headerless legacy payloads (raw gzip or raw JSON text) are accepted on decode.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"github.com/klauspost/compress/gzip"
)

const (
	// HeaderSize is the fixed envelope header length.
	HeaderSize = 20
	// EnvelopeVersion is the only envelope version this build writes and reads.
	EnvelopeVersion byte = 1

	opSerialize   = "codec.serialize"
	opDeserialize = "codec.deserialize"
)

// Magic prefixes every versioned envelope.
var Magic = [4]byte{'V', 'D', 'S', 'N'}

var gzipMagic = []byte{0x1f, 0x8b}

// Compression identifies how the envelope payload is stored.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

// String returns the name persisted in the snapshots table.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCompression maps a persisted compression name back to its flag.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, fmt.Errorf("codec: unknown compression %q", name)
	}
}

// Options tunes serialization.
type Options struct {
	// Compress enables gzip for the payload.
	Compress bool
	// Level is the gzip level; zero selects gzip.DefaultCompression.
	Level int
}

// Encoded is the result of Serialize.
type Encoded struct {
	Bytes            []byte
	Compression      Compression
	UncompressedSize int
	CompressedSize   int
	CompressionRatio float64
}

// Codec serializes and deserializes snapshot envelopes.
type Codec struct {
	options Options
}

// New constructs a Codec.
func New(options Options) (*Codec, error) {
	if options.Level == 0 {
		options.Level = gzip.DefaultCompression
	}
	if options.Compress && (options.Level < gzip.HuffmanOnly || options.Level > gzip.BestCompression) {
		return nil, fmt.Errorf("codec: invalid gzip level %d", options.Level)
	}
	return &Codec{options: options}, nil
}

// Canonical renders v as the canonical JSON used for checksums and equality.
// encoding/json emits struct fields in declaration order and sorts map keys.
func Canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Serialize canonicalizes v, checksums it, optionally compresses it and prepends the header.
func (c *Codec) Serialize(v any) (Encoded, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return Encoded{}, faults.Validation(opSerialize, faults.ReasonMalformedJSON, err)
	}
	return c.SerializeJSON(canonical)
}

// SerializeJSON wraps already-canonical JSON bytes in an envelope.
func (c *Codec) SerializeJSON(canonical []byte) (Encoded, error) {
	if uint64(len(canonical)) > math.MaxUint32 {
		return Encoded{}, faults.Validation(opSerialize, faults.ReasonSizeMismatch,
			fmt.Errorf("payload of %d bytes exceeds the envelope size field", len(canonical)))
	}

	checksum := crc32.ChecksumIEEE(canonical)
	compression := CompressionNone
	payload := canonical
	if c.options.Compress {
		compressed, err := compress(canonical, c.options.Level)
		if err != nil {
			return Encoded{}, faults.IO(opSerialize, faults.ReasonStoreFailure, err)
		}
		payload = compressed
		compression = CompressionGzip
	}

	out := make([]byte, HeaderSize+len(payload))
	copy(out[0:4], Magic[:])
	out[4] = EnvelopeVersion
	out[5] = byte(compression)
	binary.LittleEndian.PutUint32(out[6:10], uint32(len(canonical)))
	binary.LittleEndian.PutUint32(out[10:14], checksum)
	copy(out[HeaderSize:], payload)

	ratio := 1.0
	if len(payload) > 0 {
		ratio = float64(len(canonical)) / float64(len(payload))
	}
	return Encoded{
		Bytes:            out,
		Compression:      compression,
		UncompressedSize: len(canonical),
		CompressedSize:   len(payload),
		CompressionRatio: ratio,
	}, nil
}

// Deserialize verifies data and decodes its JSON payload into out.
func (c *Codec) Deserialize(data []byte, out any) error {
	payload, err := c.Payload(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return faults.Corruption(opDeserialize, faults.ReasonMalformedJSON, err)
	}
	return nil
}

// Payload verifies data and returns the uncompressed JSON payload.
func (c *Codec) Payload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, faults.Corruption(opDeserialize, faults.ReasonTruncatedHeader, errors.New("empty snapshot"))
	}
	if !HasHeader(data) {
		return legacyPayload(data)
	}
	header, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderSize:]

	var payload []byte
	switch header.Compression {
	case CompressionNone:
		payload = body
	case CompressionGzip:
		decompressed, err := decompress(body, int64(header.UncompressedSize)+1)
		if err != nil {
			return nil, faults.Corruption(opDeserialize, faults.ReasonDecompressFailed, err)
		}
		payload = decompressed
	default:
		return nil, faults.Corruption(opDeserialize, faults.ReasonUnknownCompression,
			fmt.Errorf("compression flag %d", byte(header.Compression)))
	}

	if uint32(len(payload)) != header.UncompressedSize {
		return nil, faults.Corruption(opDeserialize, faults.ReasonSizeMismatch,
			fmt.Errorf("header declares %d bytes, payload has %d", header.UncompressedSize, len(payload)))
	}
	if actual := crc32.ChecksumIEEE(payload); actual != header.CRC32 {
		return nil, faults.Corruption(opDeserialize, faults.ReasonCRCMismatch,
			fmt.Errorf("crc32 mismatch: header %08x, computed %08x", header.CRC32, actual))
	}
	if !json.Valid(payload) {
		return nil, faults.Corruption(opDeserialize, faults.ReasonMalformedJSON, errors.New("payload is not valid json"))
	}
	return payload, nil
}

// Header is the decoded fixed-size envelope prefix.
type Header struct {
	Version          byte
	Compression      Compression
	UncompressedSize uint32
	CRC32            uint32
}

// ReadHeader decodes the envelope header without verifying the payload.
func ReadHeader(data []byte) (Header, error) {
	if !HasHeader(data) || len(data) < HeaderSize {
		return Header{}, faults.Corruption(opDeserialize, faults.ReasonTruncatedHeader,
			fmt.Errorf("snapshot is %d bytes, header needs %d", len(data), HeaderSize))
	}
	header := Header{
		Version:          data[4],
		Compression:      Compression(data[5]),
		UncompressedSize: binary.LittleEndian.Uint32(data[6:10]),
		CRC32:            binary.LittleEndian.Uint32(data[10:14]),
	}
	if header.Version != EnvelopeVersion {
		return header, faults.Validation(opDeserialize, faults.ReasonUnsupportedSnapshotVersion,
			fmt.Errorf("envelope version %d, supported %d", header.Version, EnvelopeVersion))
	}
	return header, nil
}

// HasHeader reports whether data starts with the envelope magic.
func HasHeader(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic[:])
}

func legacyPayload(data []byte) ([]byte, error) {
	payload := data
	if bytes.HasPrefix(data, gzipMagic) {
		decompressed, err := decompress(data, -1)
		if err != nil {
			return nil, faults.Corruption(opDeserialize, faults.ReasonDecompressFailed, err)
		}
		payload = decompressed
	}
	if !json.Valid(payload) {
		return nil, faults.Corruption(opDeserialize, faults.ReasonMalformedJSON, errors.New("legacy payload is not valid json"))
	}
	return payload, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buffer, level)
	if err != nil {
		return nil, err
	}
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// decompress inflates a gzip stream, reading at most limit bytes when limit is
// not negative. Callers pass one byte past the declared size so that an
// oversized stream surfaces as a size mismatch without being fully inflated.
func decompress(data []byte, limit int64) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	if limit < 0 {
		return io.ReadAll(reader)
	}
	return io.ReadAll(io.LimitReader(reader, limit))
}
