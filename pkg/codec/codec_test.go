// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurascale/neural-engine/pkg/types"
)

func crc32Checksum(b []byte) uint32 {
	return crc32.Checksum(b, crc32.MakeTable(crc32.Castagnoli))
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func testChunk(channels, samples int, seed int64) *types.SampleChunk {
	rng := rand.New(rand.NewSource(seed))
	chunk := &types.SampleChunk{
		SessionID:      "sess-0001",
		DeviceID:       "dev-synth-0",
		DataType:       types.DataTypeEEG,
		SamplingRateHz: 1000,
		ChunkSeq:       42,
		DeviceTsNs:     1_700_000_000_000_000_000,
		IngestTsNs:     1_700_000_000_000_100_000,
		Channels:       make([]types.Channel, channels),
		Samples:        make([][]float32, channels),
	}
	for c := 0; c < channels; c++ {
		chunk.Channels[c] = types.Channel{ID: c, Label: "ch", Kind: types.ChannelKindSignal, Unit: "uV"}
		row := make([]float32, samples)
		for i := range row {
			// amplitudes typical of scalp EEG, tens of microvolts
			row[i] = float32(rng.NormFloat64() * 40)
		}
		chunk.Samples[c] = row
	}
	return chunk
}

func TestRoundTripWithinQuantizationError(t *testing.T) {
	c := New(0)
	chunk := testChunk(8, 500, 0x1234)

	data, err := c.Encode(chunk)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, chunk.SessionID, got.SessionID)
	assert.Equal(t, chunk.DeviceID, got.DeviceID)
	assert.Equal(t, chunk.DataType, got.DataType)
	assert.Equal(t, chunk.SamplingRateHz, got.SamplingRateHz)
	assert.Equal(t, chunk.ChunkSeq, got.ChunkSeq)
	assert.Equal(t, chunk.DeviceTsNs, got.DeviceTsNs)
	assert.Equal(t, chunk.IngestTsNs, got.IngestTsNs)
	require.Len(t, got.Samples, 8)

	maxErr := 0.5 / float64(Scale(chunk))
	for ch := range chunk.Samples {
		require.Len(t, got.Samples[ch], 500)
		for i := range chunk.Samples[ch] {
			diff := math.Abs(float64(chunk.Samples[ch][i]) - float64(got.Samples[ch][i]))
			// RoundToEven plus float32 representation leaves a little
			// slack on top of the half-step bound.
			require.LessOrEqualf(t, diff, maxErr*1.001,
				"channel %d sample %d off by %g (allowed %g)", ch, i, diff, maxErr)
		}
	}
}

func TestRoundTripConstantAndZeroSignal(t *testing.T) {
	c := New(0)
	for _, value := range []float32{0, 12.5, -3000} {
		chunk := testChunk(2, 64, 1)
		for ch := range chunk.Samples {
			for i := range chunk.Samples[ch] {
				chunk.Samples[ch][i] = value
			}
		}
		data, err := c.Encode(chunk)
		require.NoError(t, err)
		got, err := c.Decode(data)
		require.NoError(t, err)

		maxErr := 0.5/float64(Scale(chunk)) + 1e-6
		for ch := range got.Samples {
			for i := range got.Samples[ch] {
				assert.InDelta(t, value, got.Samples[ch][i], maxErr)
			}
		}
	}
}

func TestDecodeRejectsCorruptedPayload(t *testing.T) {
	c := New(0)
	data, err := c.Encode(testChunk(4, 128, 7))
	require.NoError(t, err)

	// Flip one payload byte; the CRC covers header and payload.
	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)/2] ^= 0x01

	_, err = c.Decode(corrupted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksum), "expected ErrChecksum, got %v", err)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	c := New(0)
	data, err := c.Encode(testChunk(1, 16, 7))
	require.NoError(t, err)

	data[2] = 99
	// Recompute the CRC so the version check, not the checksum, fires.
	data = data[:len(data)-4]
	crc := crc32Checksum(data)
	data = appendUint32(data, crc)

	_, err = c.Decode(data)
	require.True(t, errors.Is(err, ErrUnsupportedCodecVersion), "got %v", err)
}

func TestEncodeRejectsOversizedChunk(t *testing.T) {
	c := New(1024)
	_, err := c.Encode(testChunk(64, 1000, 9))
	require.True(t, errors.Is(err, ErrChunkTooLarge), "got %v", err)
}

func TestDecodeRejectsOversizedRecord(t *testing.T) {
	big := New(0)
	data, err := big.Encode(testChunk(64, 1000, 9))
	require.NoError(t, err)

	small := New(1024)
	_, err = small.Decode(data)
	require.True(t, errors.Is(err, ErrChunkTooLarge), "got %v", err)
}

func TestEncodeRejectsInvalidChunk(t *testing.T) {
	c := New(0)
	chunk := testChunk(4, 16, 3)
	chunk.SamplingRateHz = 0
	_, err := c.Encode(chunk)
	require.Error(t, err)
}
