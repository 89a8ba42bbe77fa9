package store

import (
	"encoding/binary"
	"errors"
	"path/filepath"

	"github.com/canopy-network/finality/lib"
	"github.com/dgraph-io/badger/v4"
)

/*
	A single badger instance holds both the chain and the agreement engine backups.
	Keys are partitioned by short prefixes:
	- h/<hash>                 block headers
	- n/<number>               the canonical (finalized) hash at a number
	- j/<hash>                 justifications of finalized blocks
	- f, b                     the finalized and best block ids
	- a/<session>/<run>/<seq>  backup records
*/

var (
	headerPrefix        = []byte("h/")
	canonicalPrefix     = []byte("n/")
	justificationPrefix = []byte("j/")
	backupPrefix        = []byte("a/")
	finalizedKey        = []byte("f")
	bestKey             = []byte("b")
)

// OpenDB() opens the database either in memory or in the data directory
func OpenDB(config lib.StoreConfig, log lib.LoggerI) (*badger.DB, lib.ErrorI) {
	opts := badger.DefaultOptions(filepath.Join(config.DataDirPath, config.DBName))
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLogger(badgerLogger{lib.WithPrefix(log, "badger")}).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return db, nil
}

// badgerLogger routes the database logs through the node logger
type badgerLogger struct{ log lib.LoggerI }

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.log.Errorf(f, a...) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.log.Warnf(f, a...) }
func (b badgerLogger) Infof(f string, a ...interface{})    { b.log.Infof(f, a...) }
func (b badgerLogger) Debugf(f string, a ...interface{})   { b.log.Debugf(f, a...) }

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte(nil), prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func uint64Key(n uint64) []byte { return binary.BigEndian.AppendUint64(nil, n) }

func uint32Key(n uint32) []byte { return binary.BigEndian.AppendUint32(nil, n) }

// get() returns a copy of the value or nil if the key doesn't exist
func get(txn *badger.Txn, k []byte) ([]byte, lib.ErrorI) {
	item, err := txn.Get(k)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, ErrStoreGet(err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, ErrStoreGet(err)
	}
	return value, nil
}

func set(txn *badger.Txn, k, v []byte) lib.ErrorI {
	if err := txn.Set(k, v); err != nil {
		return ErrStoreSet(err)
	}
	return nil
}

// update() runs fn in a read-write transaction and commits it, the lib.ErrorI of fn is preserved
func update(db *badger.DB, fn func(txn *badger.Txn) lib.ErrorI) lib.ErrorI {
	var fnErr lib.ErrorI
	err := db.Update(func(txn *badger.Txn) error {
		if fnErr = fn(txn); fnErr != nil {
			return fnErr
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return ErrCommitDB(err)
	}
	return nil
}

// view() runs fn in a read-only transaction
func view(db *badger.DB, fn func(txn *badger.Txn) lib.ErrorI) lib.ErrorI {
	var fnErr lib.ErrorI
	_ = db.View(func(txn *badger.Txn) error {
		if fnErr = fn(txn); fnErr != nil {
			return fnErr
		}
		return nil
	})
	return fnErr
}
