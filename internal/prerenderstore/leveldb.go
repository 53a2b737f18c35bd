package prerenderstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB stores rows in a goleveldb directory. Row keys are laid out as
// "e:<table>\x00<partition>\x00<row>" so that a table, and a partition
// inside it, can be scanned by prefix.
type LevelDB struct {
	opts  Options
	table string

	db *leveldb.DB

	closed atomic.Bool
}

type levelRow struct {
	Value      string
	ExpiryUnix int64 // unix nanoseconds, UTC
}

func OpenLevelDB(path, table string, opts Options) (*LevelDB, error) {
	if path == "" {
		return nil, errors.New("empty leveldb path")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{opts: opts.withDefaults(), table: table, db: db}, nil
}

func (s *LevelDB) key(partitionKey, rowKey string) []byte {
	var b bytes.Buffer
	b.WriteString("e:")
	b.WriteString(s.table)
	b.WriteByte(0)
	b.WriteString(partitionKey)
	b.WriteByte(0)
	b.WriteString(rowKey)
	return b.Bytes()
}

func (s *LevelDB) Get(ctx context.Context, partitionKey, rowKey string) (Entry, error) {
	_ = ctx
	b, err := s.db.Get(s.key(partitionKey, rowKey), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var row levelRow
	if err := decodeGob(b, &row); err != nil {
		return Entry{}, err
	}
	return Entry{
		PartitionKey: partitionKey,
		RowKey:       rowKey,
		Value:        row.Value,
		ExpiryDate:   unixNanoUTC(row.ExpiryUnix),
	}, nil
}

func (s *LevelDB) Insert(ctx context.Context, partitionKey, rowKey, value string) error {
	_ = ctx
	b, err := encodeGob(levelRow{Value: value, ExpiryUnix: s.opts.expiry().UnixNano()})
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(s.key(partitionKey, rowKey), b)
	return s.db.Write(batch, nil)
}

func (s *LevelDB) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_ = ctx
	// leveldb treats deleting a missing key as success.
	return s.db.Delete(s.key(partitionKey, rowKey), nil)
}

// PartitionSize counts the rows stored under partitionKey.
func (s *LevelDB) PartitionSize(partitionKey string) (int, error) {
	prefix := s.key(partitionKey, "")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *LevelDB) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
