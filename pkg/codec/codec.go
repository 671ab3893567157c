// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package codec implements the canonical on-wire representation of a
// SampleChunk: a fixed header, uvarint-prefixed identifiers, and a payload
// of delta-encoded int16-quantized samples framed with zstd.
//
// Quantization happens in the integer domain before delta encoding, so the
// per-sample reconstruction error is bounded by the quantization step alone
// (0.5/scale in canonical units) and never accumulates along the chunk.
package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/types"
)

// Version is the current codec version byte.
const Version = 1

// DefaultMaxChunkBytes caps the encoded size of a single chunk.
const DefaultMaxChunkBytes = 1 << 20

const (
	magic0 = 0x4E // 'N'
	magic1 = 0x43 // 'C'

	// fixedHeaderLen is the length of the fixed-layout header section.
	// magic(2) version(1) dataType(1) rate(4) channels(2) samples(4)
	// seq(8) deviceTs(8) ingestTs(8) scale(4) payloadLen(4)
	fixedHeaderLen = 46

	// Quantized values stay within half the int16 range so deltas between
	// consecutive quantized samples always fit an int16.
	quantHalfRange = 16383
)

// Castagnoli matches the polynomial used by the ingest gateway fleet.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Sentinels for errors.Is checks; returned errors carry context of their own.
var (
	ErrChecksum                = &errcode.Error{Kind: errcode.Integrity, Code: errcode.CodeChecksum}
	ErrUnsupportedCodecVersion = &errcode.Error{Kind: errcode.Validation, Code: errcode.CodeUnsupportedCodec}
	ErrChunkTooLarge           = &errcode.Error{Kind: errcode.Validation, Code: errcode.CodeChunkTooLarge}
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// WithZeroFrames so an empty payload still produces a valid frame.
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// Codec encodes and decodes SampleChunks. The zero value is not usable; use
// New.
type Codec struct {
	maxChunkBytes int
}

// New returns a codec enforcing the given maximum encoded size. A
// non-positive max falls back to DefaultMaxChunkBytes.
func New(maxChunkBytes int) *Codec {
	if maxChunkBytes <= 0 {
		maxChunkBytes = DefaultMaxChunkBytes
	}
	return &Codec{maxChunkBytes: maxChunkBytes}
}

// Scale returns the quantization scale (integer steps per canonical unit)
// that Encode will publish for the given chunk.
func Scale(chunk *types.SampleChunk) float32 {
	maxAbs := 0.0
	for _, row := range chunk.Samples {
		for _, v := range row {
			if a := math.Abs(float64(v)); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		return 1
	}
	return float32(quantHalfRange / maxAbs)
}

// Encode serializes the chunk. The header carries the scalar fields and a
// CRC32 covering header and payload.
func (c *Codec) Encode(chunk *types.SampleChunk) ([]byte, error) {
	if err := chunk.Validate(); err != nil {
		return nil, errcode.New(errcode.Validation, errcode.CodeInvalidChunk, err).
			WithSession(chunk.SessionID).WithDevice(chunk.DeviceID).WithChunk(chunk.ChunkSeq)
	}

	scale := Scale(chunk)
	payload := encodePayload(chunk, scale)

	var buf bytes.Buffer
	buf.Grow(fixedHeaderLen + len(chunk.SessionID) + len(chunk.DeviceID) + len(payload) + 16)

	fixed := make([]byte, fixedHeaderLen)
	fixed[0] = magic0
	fixed[1] = magic1
	fixed[2] = Version
	fixed[3] = byte(chunk.DataType)
	binary.LittleEndian.PutUint32(fixed[4:], chunk.SamplingRateHz)
	binary.LittleEndian.PutUint16(fixed[8:], uint16(len(chunk.Channels)))
	binary.LittleEndian.PutUint32(fixed[10:], uint32(chunk.NumSamples()))
	binary.LittleEndian.PutUint64(fixed[14:], chunk.ChunkSeq)
	binary.LittleEndian.PutUint64(fixed[22:], uint64(chunk.DeviceTsNs))
	binary.LittleEndian.PutUint64(fixed[30:], uint64(chunk.IngestTsNs))
	binary.LittleEndian.PutUint32(fixed[38:], math.Float32bits(scale))
	binary.LittleEndian.PutUint32(fixed[42:], uint32(len(payload)))
	buf.Write(fixed)

	writeString(&buf, chunk.SessionID)
	writeString(&buf, chunk.DeviceID)
	buf.Write(payload)

	out := buf.Bytes()
	crc := crc32.Checksum(out, crcTable)
	out = binary.LittleEndian.AppendUint32(out, crc)

	if len(out) > c.maxChunkBytes {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeChunkTooLarge,
			"encoded chunk is %d bytes, max %d", len(out), c.maxChunkBytes).
			WithSession(chunk.SessionID).WithDevice(chunk.DeviceID).WithChunk(chunk.ChunkSeq)
	}
	return out, nil
}

// Decode is the exact inverse of Encode.
func (c *Codec) Decode(data []byte) (*types.SampleChunk, error) {
	if len(data) > c.maxChunkBytes {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeChunkTooLarge,
			"record is %d bytes, max %d", len(data), c.maxChunkBytes)
	}
	if len(data) < fixedHeaderLen+4 {
		return nil, errcode.Newf(errcode.Integrity, errcode.CodeChecksum,
			"record truncated at %d bytes", len(data))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return nil, errcode.Newf(errcode.Integrity, errcode.CodeChecksum, "bad magic")
	}
	if data[2] != Version {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeUnsupportedCodec,
			"codec version %d not supported", data[2])
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.Checksum(body, crcTable) != binary.LittleEndian.Uint32(trailer) {
		return nil, errcode.Newf(errcode.Integrity, errcode.CodeChecksum, "crc mismatch")
	}

	chunk := &types.SampleChunk{
		DataType:       types.DataType(data[3]),
		SamplingRateHz: binary.LittleEndian.Uint32(data[4:]),
		ChunkSeq:       binary.LittleEndian.Uint64(data[14:]),
		DeviceTsNs:     int64(binary.LittleEndian.Uint64(data[22:])),
		IngestTsNs:     int64(binary.LittleEndian.Uint64(data[30:])),
	}
	channels := int(binary.LittleEndian.Uint16(data[8:]))
	samples := int(binary.LittleEndian.Uint32(data[10:]))
	scale := math.Float32frombits(binary.LittleEndian.Uint32(data[38:]))
	payloadLen := int(binary.LittleEndian.Uint32(data[42:]))

	rest := body[fixedHeaderLen:]
	var err error
	chunk.SessionID, rest, err = readString(rest)
	if err != nil {
		return nil, errcode.New(errcode.Integrity, errcode.CodeChecksum, err)
	}
	chunk.DeviceID, rest, err = readString(rest)
	if err != nil {
		return nil, errcode.New(errcode.Integrity, errcode.CodeChecksum, err)
	}
	if len(rest) != payloadLen {
		return nil, errcode.Newf(errcode.Integrity, errcode.CodeChecksum,
			"payload is %d bytes, header says %d", len(rest), payloadLen)
	}

	chunk.Samples, err = decodePayload(rest, channels, samples, scale)
	if err != nil {
		return nil, err
	}

	// Channel metadata does not travel on the wire; the session snapshot
	// is authoritative. Decode fills placeholder descriptors.
	chunk.Channels = make([]types.Channel, channels)
	for i := range chunk.Channels {
		chunk.Channels[i] = types.Channel{
			ID:    i,
			Label: "ch" + strconv.Itoa(i),
			Kind:  types.ChannelKindSignal,
			Unit:  "uV",
		}
	}
	return chunk, nil
}

// encodePayload quantizes each sample to an integer within half the int16
// range, delta-encodes along the time axis in the integer domain, and
// compresses the int16 stream.
func encodePayload(chunk *types.SampleChunk, scale float32) []byte {
	n := chunk.NumSamples()
	raw := make([]byte, 0, 2*len(chunk.Samples)*n)
	for _, row := range chunk.Samples {
		prev := int32(0)
		for i, v := range row {
			q := int32(math.RoundToEven(float64(v) * float64(scale)))
			if q > quantHalfRange {
				q = quantHalfRange
			} else if q < -quantHalfRange {
				q = -quantHalfRange
			}
			d := q
			if i > 0 {
				d = q - prev
			}
			raw = binary.LittleEndian.AppendUint16(raw, uint16(int16(d)))
			prev = q
		}
	}
	return zstdEncoder.EncodeAll(raw, nil)
}

func decodePayload(payload []byte, channels, samples int, scale float32) ([][]float32, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, errcode.New(errcode.Integrity, errcode.CodeChecksum, err)
	}
	if len(raw) != 2*channels*samples {
		return nil, errcode.Newf(errcode.Integrity, errcode.CodeChecksum,
			"payload decodes to %d bytes, expected %d", len(raw), 2*channels*samples)
	}
	if scale == 0 {
		scale = 1
	}
	out := make([][]float32, channels)
	off := 0
	for c := 0; c < channels; c++ {
		row := make([]float32, samples)
		q := int32(0)
		for i := 0; i < samples; i++ {
			d := int32(int16(binary.LittleEndian.Uint16(raw[off:])))
			off += 2
			if i == 0 {
				q = d
			} else {
				q += d
			}
			row[i] = float32(float64(q) / float64(scale))
		}
		out[c] = row
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(s)))
	buf.Write(tmp[:n])
	buf.WriteString(s)
}

func readString(data []byte) (string, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < l {
		return "", nil, errcode.Newf(errcode.Integrity, errcode.CodeChecksum, "truncated string field")
	}
	return string(data[n : n+int(l)]), data[n+int(l):], nil
}
