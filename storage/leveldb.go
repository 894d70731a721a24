/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       LevelDB-backed Backend for single-node durable
             deployments. Prefix scans ride LevelDB's sorted
             iterators, so the zero-padded key layout gives
             sequence order for free.
Root Cause:  Sprint task L002 — durable storage backend.
Context:     The ledger must survive restarts; the in-memory
             backend is for tests only.
Suitability: L2 — thin adapter over goleveldb.
──────────────────────────────────────────────────────────────
*/

package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a durable Backend over a local goleveldb database.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Put(key string, value []byte) error {
	return l.db.Put([]byte(key), value, nil)
}

func (l *LevelDB) Get(key string) ([]byte, error) {
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (l *LevelDB) Delete(key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDB) Scan(prefix string, fn func(key string, value []byte) (bool, error)) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		cont, err := fn(string(iter.Key()), val)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return iter.Error()
}

func (l *LevelDB) ScanReverse(prefix string, fn func(key string, value []byte) (bool, error)) error {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for ok := iter.Last(); ok; ok = iter.Prev() {
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		cont, err := fn(string(iter.Key()), val)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return iter.Error()
}

func (l *LevelDB) Close() error { return l.db.Close() }
