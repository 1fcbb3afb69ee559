package db

import (
	"fmt"
	"time"

	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/pkg"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record is one inbound message waiting for the dispatcher.
type Record struct {
	Seq        int64
	Kind       model.MessageKind
	Payload    []byte
	ReceivedAt time.Time
}

// record wire fields
const (
	fieldKind       protowire.Number = 1
	fieldPayload    protowire.Number = 2
	fieldReceivedAt protowire.Number = 3
)

func queueKey(seq int64) []byte {
	return append([]byte(queueKeyPrefix), pkg.Int64ToBytes(seq)...)
}

func (db *DB) restoreSeq() error {
	it, err := db.qdb.ReverseIterator([]byte(queueKeyPrefix), []byte(queueKeyEnd))
	if err != nil {
		return err
	}
	defer it.Close()
	if it.Valid() {
		db.seq = pkg.BytesToInt64(it.Key()[len(queueKeyPrefix):])
	}
	return it.Error()
}

// Enqueue durably appends a message and wakes the consumer.
func (db *DB) Enqueue(kind model.MessageKind, payload []byte) (int64, error) {
	db.mu.Lock()
	seq := db.seq + 1
	err := db.qdb.SetSync(queueKey(seq), encodeRecord(&Record{
		Kind:       kind,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}))
	if err == nil {
		db.seq = seq
	}
	db.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case db.notify <- struct{}{}:
	default:
	}
	db.logger.Debug("Queue::Enqueue", zap.Int64("seq", seq), zap.Stringer("kind", kind))
	return seq, nil
}

// Notify fires after one or more Enqueue calls.
func (db *DB) Notify() <-chan struct{} {
	return db.notify
}

// scan copies out every queued key and value. The iterator is closed before
// returning so callers may write to the queue afterwards.
func (db *DB) scan() (keys, values [][]byte, err error) {
	it, err := db.qdb.Iterator([]byte(queueKeyPrefix), []byte(queueKeyEnd))
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
		values = append(values, append([]byte(nil), it.Value()...))
	}
	return keys, values, it.Error()
}

// Pending returns every unacknowledged record in arrival order. Records that
// cannot be decoded are dropped from the queue.
func (db *DB) Pending() ([]Record, error) {
	keys, values, err := db.scan()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for i, k := range keys {
		seq := pkg.BytesToInt64(k[len(queueKeyPrefix):])
		r, err := decodeRecord(seq, values[i])
		if err != nil {
			db.logger.Error("Queue::Decode", zap.Int64("seq", seq), zap.Error(err))
			if err := db.Ack(seq); err != nil {
				return nil, err
			}
			continue
		}
		records = append(records, *r)
	}
	return records, nil
}

// Ack removes a processed record.
func (db *DB) Ack(seq int64) error {
	return db.qdb.DeleteSync(queueKey(seq))
}

// Reset drops every queued record.
func (db *DB) Reset() error {
	keys, _, err := db.scan()
	if err != nil {
		return err
	}

	wb := db.qdb.NewBatch()
	defer wb.Close()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.WriteSync(); err != nil {
		return err
	}
	db.logger.Info("Queue::Reset", zap.Int("dropped", len(keys)))
	return nil
}

func encodeRecord(r *Record) []byte {
	b := make([]byte, 0, len(r.Payload)+24)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Kind))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Payload)
	b = protowire.AppendTag(b, fieldReceivedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ReceivedAt.UnixNano()))
	return b
}

func decodeRecord(seq int64, b []byte) (*Record, error) {
	r := &Record{Seq: seq}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Kind = model.MessageKind(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldReceivedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.ReceivedAt = time.Unix(0, int64(v)).UTC()
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if r.Kind == 0 {
		return nil, fmt.Errorf("record %d has no kind", seq)
	}
	return r, nil
}
