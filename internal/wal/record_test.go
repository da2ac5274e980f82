package wal

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EncodeDecode(t *testing.T) {
	sid := uuid.New()
	var buf bytes.Buffer

	up := &Record{Type: RecordTypeUpsert, Session: sid, Serial: 7, Key: []byte("k1"), Value: []byte("value-1")}
	del := &Record{Type: RecordTypeDelete, Session: sid, Serial: 8, Key: []byte("k1")}
	empty := &Record{Type: RecordTypeUpsert, Session: sid, Serial: 9, Key: []byte("k2")}

	for _, r := range []*Record{up, del, empty} {
		require.NoError(t, r.Encode(&buf))
	}
	assert.Equal(t, up.Size()+del.Size()+empty.Size(), buf.Len())

	got, n, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(up.Size()), n)
	assert.Equal(t, sid, got.Session)
	assert.Equal(t, uint64(7), got.Serial)
	assert.Equal(t, "k1", string(got.Key))
	assert.Equal(t, "value-1", string(got.Value))

	got, _, err = Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, RecordTypeDelete, got.Type)
	assert.Empty(t, got.Value)

	got, _, err = Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Value)

	_, _, err = Decode(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestRecord_DetectsCorruptionAndTornTail(t *testing.T) {
	rec := &Record{Type: RecordTypeUpsert, Session: uuid.New(), Serial: 1, Key: []byte("key"), Value: []byte("value")}
	var buf bytes.Buffer
	require.NoError(t, rec.Encode(&buf))
	data := buf.Bytes()

	corrupt := bytes.Clone(data)
	corrupt[len(corrupt)-1] ^= 0xff
	_, _, err := Decode(bytes.NewReader(corrupt))
	assert.ErrorIs(t, err, ErrInvalidCRC)

	_, _, err = Decode(bytes.NewReader(data[:len(data)-3]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, _, err = Decode(bytes.NewReader(data[:5]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	assert.ErrorIs(t, (&Record{Type: 9}).Encode(&buf), ErrInvalidType)
}
