package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/hupe1980/fastkv/internal/conv"
	"github.com/hupe1980/fastkv/internal/hash"
)

const (
	binaryMagic   = 0x43564B46 // "FKVC"
	binaryVersion = 1
	headerSize    = 16
)

// SessionCursor is the last serial of a session included in a checkpoint.
type SessionCursor struct {
	ID     uuid.UUID
	Serial uint64
}

// Metadata describes one committed checkpoint.
type Metadata struct {
	ID        uint64
	Token     uuid.UUID
	Version   uint32 // sessions moved from Version to Version+1
	CreatedAt time.Time

	TableSize uint64
	PageBits  uint32

	Begin uint64 // log begin address
	Start uint64 // tail when the checkpoint was requested
	Cut   uint64 // tail when the checkpoint was taken; durable prefix end

	// JournalGeneration is the first journal generation not covered.
	JournalGeneration uint64

	Sessions []SessionCursor
	Flushed  *roaring64.Bitmap
}

// Cursor returns the serial recorded for a session.
func (m *Metadata) Cursor(id uuid.UUID) (uint64, bool) {
	for _, s := range m.Sessions {
		if s.ID == id {
			return s.Serial, true
		}
	}
	return 0, false
}

// MarshalBinary encodes the metadata with its checksummed header.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	pb := newPayloadBuffer(make([]byte, 0, 128+len(m.Sessions)*24))

	pb.writeUint64(m.ID)
	pb.writeBytes16(m.Token[:])
	pb.writeUint32(m.Version)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeUint64(m.TableSize)
	pb.writeUint32(m.PageBits)
	pb.writeUint64(m.Begin)
	pb.writeUint64(m.Start)
	pb.writeUint64(m.Cut)
	pb.writeUint64(m.JournalGeneration)

	pb.writeUint32(uint32(len(m.Sessions)))
	for _, s := range m.Sessions {
		pb.writeBytes16(s.ID[:])
		pb.writeUint64(s.Serial)
	}

	flushed := m.Flushed
	if flushed == nil {
		flushed = roaring64.New()
	}
	var bm bytes.Buffer
	if _, err := flushed.WriteTo(&bm); err != nil {
		return nil, err
	}
	pb.writeUint32(uint32(bm.Len()))
	pb.buf = append(pb.buf, bm.Bytes()...)

	if pb.err != nil {
		return nil, pb.err
	}

	out := make([]byte, headerSize, headerSize+len(pb.buf))
	binary.LittleEndian.PutUint32(out[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(out[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(out[8:12], hash.Checksum(pb.buf))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(pb.buf)))
	return append(out, pb.buf...), nil
}

// UnmarshalBinary decodes metadata written by MarshalBinary.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != binaryMagic {
		return fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != binaryVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(data[8:12])
	length := binary.LittleEndian.Uint32(data[12:16])
	if uint64(length) != uint64(len(data)-headerSize) {
		return fmt.Errorf("%w: length mismatch", ErrCorrupt)
	}
	payload := data[headerSize:]
	if !hash.Verify(payload, checksum) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	m.ID = pb.readUint64()
	copy(m.Token[:], pb.readBytes16())
	m.Version = pb.readUint32()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	m.TableSize = pb.readUint64()
	m.PageBits = pb.readUint32()
	m.Begin = pb.readUint64()
	m.Start = pb.readUint64()
	m.Cut = pb.readUint64()
	m.JournalGeneration = pb.readUint64()

	n := pb.readUint32()
	if pb.err == nil && uint64(n)*24 > uint64(len(payload)) {
		return fmt.Errorf("%w: session count %d", ErrCorrupt, n)
	}
	m.Sessions = make([]SessionCursor, 0, n)
	for range n {
		var s SessionCursor
		copy(s.ID[:], pb.readBytes16())
		s.Serial = pb.readUint64()
		m.Sessions = append(m.Sessions, s)
	}

	bmLen, err := conv.Uint32ToInt(pb.readUint32())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	raw := pb.readN(bmLen)
	if pb.err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	m.Flushed = roaring64.New()
	if _, err := m.Flushed.ReadFrom(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: flushed pages: %v", ErrCorrupt, err)
	}
	return nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeBytes16(b []byte) {
	if p.err != nil {
		return
	}
	if len(b) != 16 {
		p.err = fmt.Errorf("expected 16 bytes, got %d", len(b))
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) readN(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readUint64() uint64 {
	if b := p.readN(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (p *payloadBuffer) readUint32() uint32 {
	if b := p.readN(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (p *payloadBuffer) readBytes16() []byte {
	if b := p.readN(16); b != nil {
		return b
	}
	return make([]byte, 16)
}
