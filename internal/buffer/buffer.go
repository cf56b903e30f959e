// Package buffer implements the durable record buffer: an append-only
// staging area for rendered records, persisted through the key-value store
// so buffered data survives deep sleep, reboot and power loss.
package buffer

import (
	"fmt"

	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/kvstore"
	"codeberg.org/mutker/fieldlogd/internal/logger"
)

const (
	// Capacity is the maximum number of buffered records.
	Capacity = 100

	// maxRecordBytes bounds the serialized size of a single record.
	maxRecordBytes = 4096

	countKey = "count"
)

// Buffer stages records in the "databuffer" namespace under a dense key
// layout: "count" holds the number of entries, "d0".."d(count-1)" the
// records themselves. Entries are always contiguous from zero.
type Buffer struct {
	ns    *kvstore.Namespace
	count uint32
}

// New restores the buffer from its namespace. Records buffered before a
// reboot or sleep become readable again immediately.
func New(ns *kvstore.Namespace) (*Buffer, error) {
	count, err := ns.GetUint32(countKey, 0)
	if err != nil {
		return nil, errors.New().Wrap(ErrRestoreFailed, err)
	}

	if count > 0 {
		logger.Info().Uint32("count", count).Msg("Restored buffered records")
	}

	return &Buffer{ns: ns, count: count}, nil
}

func dataKey(index uint32) string {
	return fmt.Sprintf("d%d", index)
}

// Append stages one record and returns its slot position. The record key is
// written before the count key, so a crash between the two writes leaves the
// record invisible rather than leaving a gap.
func (b *Buffer) Append(record string) (int, error) {
	errFactory := errors.New()

	if len(record) > maxRecordBytes {
		return 0, errFactory.WithData(ErrRecordTooLarge, len(record))
	}
	if b.count >= Capacity {
		return 0, errFactory.New(ErrBufferFull)
	}

	if err := b.ns.PutString(dataKey(b.count), record); err != nil {
		return 0, err
	}
	if err := b.ns.PutUint32(countKey, b.count+1); err != nil {
		return 0, err
	}

	position := int(b.count)
	b.count++

	return position, nil
}

// ReadAll returns the buffered records in append order. Slots that read back
// empty are skipped.
func (b *Buffer) ReadAll() ([]string, error) {
	records := make([]string, 0, b.count)
	for i := uint32(0); i < b.count; i++ {
		record, err := b.ns.GetString(dataKey(i), "")
		if err != nil {
			return nil, err
		}
		if record != "" {
			records = append(records, record)
		}
	}

	return records, nil
}

// Clear removes all data keys and resets the count. Callers invoke it only
// after the sink write attempt for the batch has completed.
func (b *Buffer) Clear() error {
	for i := uint32(0); i < b.count; i++ {
		if err := b.ns.Delete(dataKey(i)); err != nil {
			return err
		}
	}
	if err := b.ns.PutUint32(countKey, 0); err != nil {
		return err
	}

	b.count = 0

	return nil
}

func (b *Buffer) Count() int {
	return int(b.count)
}

func (b *Buffer) Capacity() int {
	return Capacity
}

func (b *Buffer) Full() bool {
	return b.count >= Capacity
}

func (b *Buffer) Empty() bool {
	return b.count == 0
}
