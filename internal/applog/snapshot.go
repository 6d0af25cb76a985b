package applog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the 4-byte frame magic every zstd-compressed snapshot
// payload starts with. The payload is compressed iff it begins with it.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// The leading status byte of a snapshot file. A snapshot still carrying
// statusWriting was interrupted mid-write and is treated as absent.
const (
	statusWriting  byte = 0x00
	statusComplete byte = 0x01
)

// errSnapshotIncomplete marks a snapshot whose status byte says it was
// never finished. Internal: loadSnapshot maps it to "no snapshot".
var errSnapshotIncomplete = errors.New("applog: snapshot still being written")

// sharedEncoder is safe for concurrent use — EncodeAll is documented as
// such — so one package-level instance is reused across snapshots instead
// of allocating a fresh encoder per call.
var sharedEncoder = newZstdEncoder()

func newZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("applog: initializing zstd encoder: %v", err))
	}

	return enc
}

// EncodeSnapshot serializes the consumed writer→sequence vector and the
// reconstructed state into a complete snapshot file image: status byte
// 0x01 followed by the zstd-compressed payload. Compaction uses the
// embedded vector to decide which delta logs the snapshot supersedes.
func EncodeSnapshot(vector map[WriterID]uint64, state []byte) []byte {
	payload := encodeSnapshotPayload(vector, state)
	compressed := sharedEncoder.EncodeAll(payload, nil)

	out := make([]byte, 1+len(compressed))
	out[0] = statusComplete
	copy(out[1:], compressed)

	return out
}

// DecodeSnapshot reverses EncodeSnapshot. A status byte of 0x00 means the
// writer never finished: errSnapshotIncomplete is returned and the caller
// treats the snapshot as absent. Payloads are decompressed iff they start
// with the zstd magic, so an uncompressed snapshot written by a debug
// build still reads back.
func DecodeSnapshot(data []byte) (map[WriterID]uint64, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty snapshot", ErrCorruptSnapshot)
	}

	if data[0] == statusWriting {
		return nil, nil, errSnapshotIncomplete
	}

	if data[0] != statusComplete {
		return nil, nil, fmt.Errorf("%w: unknown status byte 0x%02x", ErrCorruptSnapshot, data[0])
	}

	payload := data[1:]

	if bytes.HasPrefix(payload, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: initializing zstd decoder: %v", ErrCorruptSnapshot, err)
		}
		defer dec.Close()

		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decompressing snapshot: %v", ErrCorruptSnapshot, err)
		}
	}

	return decodeSnapshotPayload(payload)
}

// encodeSnapshotPayload frames the vector ahead of the state: a 4-byte
// big-endian writer count, then per writer a 2-byte length-prefixed id
// and an 8-byte sequence, then the state bytes. Writers are sorted so two
// compactions of identical state produce identical bytes.
func encodeSnapshotPayload(vector map[WriterID]uint64, state []byte) []byte {
	writers := make([]WriterID, 0, len(vector))
	for w := range vector {
		writers = append(writers, w)
	}

	sort.Slice(writers, func(i, j int) bool { return writers[i] < writers[j] })

	size := 4
	for _, w := range writers {
		size += 2 + len(w) + 8
	}

	buf := make([]byte, 0, size+len(state))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(writers)))

	for _, w := range writers {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(w)))
		buf = append(buf, w...)
		buf = binary.BigEndian.AppendUint64(buf, vector[w])
	}

	return append(buf, state...)
}

func decodeSnapshotPayload(payload []byte) (map[WriterID]uint64, []byte, error) {
	if len(payload) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated vector header", ErrCorruptSnapshot)
	}

	count := binary.BigEndian.Uint32(payload[:4])
	offset := 4

	vector := make(map[WriterID]uint64, count)

	for i := uint32(0); i < count; i++ {
		if offset+2 > len(payload) {
			return nil, nil, fmt.Errorf("%w: truncated writer entry", ErrCorruptSnapshot)
		}

		wlen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
		offset += 2

		if offset+wlen+8 > len(payload) {
			return nil, nil, fmt.Errorf("%w: truncated writer entry", ErrCorruptSnapshot)
		}

		writer := WriterID(payload[offset : offset+wlen])
		offset += wlen

		vector[writer] = binary.BigEndian.Uint64(payload[offset : offset+8])
		offset += 8
	}

	return vector, payload[offset:], nil
}
