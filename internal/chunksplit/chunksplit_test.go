package chunksplit

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func concat(pieces [][]byte) []byte {
	var buf bytes.Buffer
	for _, p := range pieces {
		buf.Write(p)
	}
	return buf.Bytes()
}

func TestSplit_EmptyPayload(t *testing.T) {
	pieces := Split(nil, Policy{MaxDocSizeBin: 1024})
	assert.Nil(t, pieces)
}

func TestSplit_BinaryRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("X"), 50000)
	policy := Policy{MaxDocSizeBin: 1024, CustomChunkSize: 1, MaxChunkSize: 1024 * 1024}

	pieces := Split(payload, policy)
	require.NotEmpty(t, pieces)
	assert.Equal(t, payload, concat(pieces))
	for _, p := range pieces {
		assert.NotEmpty(t, p)
	}
}

func TestSplit_PlainTextPrefersLineBoundaries(t *testing.T) {
	lines := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		lines = append(lines, strings.Repeat("a", 10))
	}
	payload := []byte(strings.Join(lines, "\n") + "\n")

	policy := Policy{MaxDocSizeBin: 1024 * 1024, MaxDocSize: 100, MaxChunkSize: 1024, PlainText: true}
	pieces := Split(payload, policy)

	require.NotEmpty(t, pieces)
	assert.Equal(t, payload, concat(pieces))
}

func TestEffectivePieceSize_MinimumChunkSizeFloor(t *testing.T) {
	policy := Policy{MaxDocSizeBin: 0, CustomChunkSize: 1, MaxChunkSize: 1000}
	size := policy.EffectivePieceSize(10)
	assert.Equal(t, 40, size) // clamp(10/100, 40, 1000) == 40
}

func TestEffectivePieceSize_SaveAsBigChunkBypassesPlainTextReduction(t *testing.T) {
	policy := Policy{MaxDocSizeBin: 1000, CustomChunkSize: 1, MaxDocSize: 10, PlainText: true, SaveAsBigChunk: true, MaxChunkSize: 1000}
	size := policy.EffectivePieceSize(100000)
	assert.Equal(t, 1000, size)
}

func TestSplit_SingleCharacterPayload(t *testing.T) {
	policy := Policy{MaxDocSizeBin: 1024, CustomChunkSize: 1, MaxChunkSize: 1024}
	pieces := Split([]byte("a"), policy)
	require.Len(t, pieces, 1)
	assert.Equal(t, []byte("a"), pieces[0])
}
