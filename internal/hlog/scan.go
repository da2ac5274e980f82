package hlog

import (
	"context"
	"fmt"

	"github.com/hupe1980/fastkv/internal/device"
)

// ScanPage visits the records of one page image whose first byte has
// address base, starting at from and stopping before to. An unwritten
// header ends the page.
func ScanPage(data []byte, base, from, to uint64, fn func(addr uint64, r Record) error) error {
	off := from - base
	if from < base {
		off = 0
	}
	if base == 0 && off < FirstValidAddress {
		off = FirstValidAddress
	}

	for base+off < to && off+RecordHeaderSize <= uint64(len(data)) {
		if Record(data[off:]).Info().Empty() {
			return nil
		}
		r, ok := ParseRecord(data[off:])
		if !ok {
			return fmt.Errorf("%w: malformed record at address %d", device.ErrCorruptPage, base+off)
		}
		if err := fn(base+off, r); err != nil {
			return err
		}
		off += uint64(len(r))
	}
	return nil
}

// ScanStable visits every record in [from, to) that is on the device.
func (l *Log) ScanStable(ctx context.Context, from, to uint64, fn func(addr uint64, r Record) error) error {
	if l.dev == nil {
		return ErrNoDevice
	}
	if from >= to {
		return nil
	}
	for p := from >> l.pageBits; p <= (to-1)>>l.pageBits; p++ {
		data, err := l.dev.ReadPage(ctx, p)
		if err != nil {
			return err
		}
		if err := ScanPage(data, p<<l.pageBits, from, to, fn); err != nil {
			return err
		}
	}
	return nil
}
