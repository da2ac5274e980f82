package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/hupe1980/fastkv/internal/hash"
)

// RecordType identifies the type of journal record.
type RecordType uint8

const (
	RecordTypeUpsert RecordType = 1
	RecordTypeDelete RecordType = 2
)

// maxRecordSize bounds a single record so a corrupt length cannot force a
// huge allocation during replay.
const maxRecordSize = 256 << 20

const recordHeaderSize = 1 + 8 + 4 // type + serial + length

var (
	ErrInvalidCRC     = errors.New("invalid journal record checksum")
	ErrInvalidType    = errors.New("invalid journal record type")
	ErrShortRead      = errors.New("short read in journal record")
	ErrRecordTooLarge = errors.New("journal record too large")
)

// Record is one session operation.
type Record struct {
	Type    RecordType
	Session uuid.UUID
	Serial  uint64
	Key     []byte
	Value   []byte
}

func (r *Record) payloadLen() int {
	n := len(r.Session) + 4 + len(r.Key)
	if r.Type == RecordTypeUpsert {
		n += len(r.Value)
	}
	return n
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return 4 + recordHeaderSize + r.payloadLen()
}

// Encode writes the record to w.
// Format:
// [CRC32C: 4 bytes] [Type: 1 byte] [Serial: 8 bytes] [Length: 4 bytes] [Payload: Length bytes]
// Payload: [Session: 16 bytes] [KeyLen: 4 bytes] [Key] [Value (upsert only, rest of payload)]
func (r *Record) Encode(w io.Writer) error {
	if r.Type != RecordTypeUpsert && r.Type != RecordTypeDelete {
		return ErrInvalidType
	}
	payloadLen := r.payloadLen()
	if payloadLen > maxRecordSize {
		return ErrRecordTooLarge
	}

	buf := make([]byte, r.Size())
	body := buf[4:]
	body[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(body[1:], r.Serial)
	binary.LittleEndian.PutUint32(body[9:], uint32(payloadLen))

	p := body[recordHeaderSize:]
	copy(p, r.Session[:])
	p = p[len(r.Session):]
	binary.LittleEndian.PutUint32(p, uint32(len(r.Key)))
	copy(p[4:], r.Key)
	if r.Type == RecordTypeUpsert {
		copy(p[4+len(r.Key):], r.Value)
	}

	binary.LittleEndian.PutUint32(buf, hash.Checksum(body))
	_, err := w.Write(buf)
	return err
}

// Decode reads a record from r. A clean end of input returns io.EOF; a torn
// record at the end returns io.ErrUnexpectedEOF.
func Decode(r io.Reader) (*Record, int64, error) {
	var prefix [4 + recordHeaderSize]byte
	if n, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, int64(n), io.ErrUnexpectedEOF
	}

	checksum := binary.LittleEndian.Uint32(prefix[:4])
	header := prefix[4:]
	recType := RecordType(header[0])
	serial := binary.LittleEndian.Uint64(header[1:])
	length := binary.LittleEndian.Uint32(header[9:])

	if length > maxRecordSize {
		return nil, int64(len(prefix)), ErrRecordTooLarge
	}

	body := make([]byte, recordHeaderSize+int(length))
	copy(body, header)
	if _, err := io.ReadFull(r, body[recordHeaderSize:]); err != nil {
		return nil, int64(len(prefix)), io.ErrUnexpectedEOF
	}
	consumed := int64(len(prefix)) + int64(length)

	if !hash.Verify(body, checksum) {
		return nil, consumed, ErrInvalidCRC
	}
	if recType != RecordTypeUpsert && recType != RecordTypeDelete {
		return nil, consumed, ErrInvalidType
	}

	rec := &Record{Type: recType, Serial: serial}
	payload := body[recordHeaderSize:]
	if len(payload) < len(rec.Session)+4 {
		return nil, consumed, ErrShortRead
	}
	copy(rec.Session[:], payload)
	payload = payload[len(rec.Session):]
	keyLen := binary.LittleEndian.Uint32(payload)
	payload = payload[4:]
	if uint64(keyLen) > uint64(len(payload)) {
		return nil, consumed, ErrShortRead
	}
	rec.Key = payload[:keyLen]
	if recType == RecordTypeUpsert {
		rec.Value = payload[keyLen:]
	} else if len(payload) != int(keyLen) {
		return nil, consumed, ErrShortRead
	}
	return rec, consumed, nil
}
