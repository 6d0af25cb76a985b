package applog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSnapshot_RoundTrip(t *testing.T) {
	state := []byte("reconstructed crdt state blob")
	vector := map[WriterID]uint64{"profile_a1": 7, "profile_b2": 3}

	encoded := EncodeSnapshot(vector, state)
	assert.Equal(t, statusComplete, encoded[0])

	gotVector, gotState, err := DecodeSnapshot(encoded)
	require.NoError(t, err)
	assert.Equal(t, vector, gotVector)
	assert.Equal(t, state, gotState)
}

func TestEncodeSnapshot_Deterministic(t *testing.T) {
	vector := map[WriterID]uint64{"w-b": 2, "w-a": 1, "w-c": 9}

	first := EncodeSnapshot(vector, []byte("state"))
	second := EncodeSnapshot(vector, []byte("state"))

	assert.Equal(t, first, second)
}

func TestDecodeSnapshot_IncompleteStatusTreatedAsUnwritten(t *testing.T) {
	_, _, err := DecodeSnapshot([]byte{statusWriting, 1, 2, 3})
	require.ErrorIs(t, err, errSnapshotIncomplete)
}

func TestDecodeSnapshot_UncompressedPayload(t *testing.T) {
	payload := encodeSnapshotPayload(map[WriterID]uint64{"w": 4}, []byte("plain"))
	raw := append([]byte{statusComplete}, payload...)

	vector, state, err := DecodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), vector["w"])
	assert.Equal(t, []byte("plain"), state)
}

func TestDecodeSnapshot_Empty(t *testing.T) {
	_, _, err := DecodeSnapshot(nil)
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestDecodeSnapshot_CorruptCompressedBody(t *testing.T) {
	bad := []byte{statusComplete, 0x28, 0xb5, 0x2f, 0xfd, 0xff, 0xff}

	_, _, err := DecodeSnapshot(bad)
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestDecodeSnapshot_TruncatedVector(t *testing.T) {
	payload := encodeSnapshotPayload(map[WriterID]uint64{"writer": 1}, nil)
	raw := append([]byte{statusComplete}, payload[:6]...)

	_, _, err := DecodeSnapshot(raw)
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestDecodeSnapshot_UnknownStatusByte(t *testing.T) {
	_, _, err := DecodeSnapshot([]byte{0x7f, 1, 2})
	require.ErrorIs(t, err, ErrCorruptSnapshot)
}
