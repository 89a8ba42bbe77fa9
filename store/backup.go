package store

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/canopy-network/finality/lib"
	"github.com/dgraph-io/badger/v4"
)

/*
	BackupStore persists the recovery log of the agreement engine per session.
	Every start of a session's engine is a new run: the loader replays the concatenation of all earlier runs in order
	and the saver appends to the new one. A run is registered by a marker key at rotation so a run that never
	wrote anything still counts when checking the runs are contiguous.
*/

type BackupStore struct {
	db  *badger.DB
	log lib.LoggerI
}

// NewBackupStore() creates the backup store over the shared database
func NewBackupStore(db *badger.DB, log lib.LoggerI) *BackupStore {
	return &BackupStore{db: db, log: lib.WithPrefix(log, "backup")}
}

// Rotate() loads the existing runs of the session and opens the next one for writing
func (b *BackupStore) Rotate(session lib.SessionId) (backup lib.ABFTBackup, err lib.ErrorI) {
	var runs []uint32
	loaded := new(bytes.Buffer)
	err = view(b.db, func(txn *badger.Txn) lib.ErrorI {
		prefix := sessionPrefix(session)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rest := item.Key()[len(prefix):]
			if len(rest) != 4 && len(rest) != 12 {
				return ErrInvalidKey()
			}
			if len(rest) == 4 {
				runs = append(runs, binary.BigEndian.Uint32(rest))
				continue
			}
			if e := item.Value(func(v []byte) error { _, er := loaded.Write(v); return er }); e != nil {
				return ErrCorruptBackup(session, e)
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	for i, run := range runs {
		if run != uint32(i) {
			return backup, ErrBackupIncomplete(session, runs)
		}
	}
	next := uint32(len(runs))
	if err = update(b.db, func(txn *badger.Txn) lib.ErrorI {
		return set(txn, runKey(session, next), nil)
	}); err != nil {
		return
	}
	b.log.Debugf("Rotated backup of %s, loaded %d runs (%d bytes)", session, len(runs), loaded.Len())
	return lib.ABFTBackup{
		Saver:  newBackupSaver(b.db, session, next),
		Loader: loaded,
	}, nil
}

// RemoveOldBackups() deletes the backups of every session before current
func (b *BackupStore) RemoveOldBackups(current lib.SessionId) lib.ErrorI {
	var keys [][]byte
	err := view(b.db, func(txn *badger.Txn) lib.ErrorI {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: backupPrefix})
		defer it.Close()
		end := sessionPrefix(current)
		for it.Rewind(); it.Valid() && bytes.Compare(it.Item().Key(), end) < 0; it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if e := wb.Delete(k); e != nil {
			return ErrStoreDelete(e)
		}
	}
	if e := wb.Flush(); e != nil {
		return ErrCommitDB(e)
	}
	b.log.Debugf("Removed %d backup records older than %s", len(keys), current)
	return nil
}

// backupSaver appends every write as one record of the run, synced to disk before Write returns
type backupSaver struct {
	db      *badger.DB
	session lib.SessionId
	run     uint32
	seq     uint64
	fsync   bool
	mu      sync.Mutex
}

func newBackupSaver(db *badger.DB, session lib.SessionId, run uint32) *backupSaver {
	opts := db.Opts()
	// an in memory db has no log to sync and synced writes are already on disk at commit
	return &backupSaver{db: db, session: session, run: run, fsync: !opts.InMemory && !opts.SyncWrites}
}

func (s *backupSaver) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(s.session, s.run, s.seq)
	if err := update(s.db, func(txn *badger.Txn) lib.ErrorI {
		return set(txn, k, append([]byte(nil), p...))
	}); err != nil {
		return 0, err
	}
	if s.fsync {
		if e := s.db.Sync(); e != nil {
			return 0, ErrCommitDB(e)
		}
	}
	s.seq++
	return len(p), nil
}

func sessionPrefix(session lib.SessionId) []byte {
	return key(backupPrefix, uint32Key(uint32(session)))
}

func runKey(session lib.SessionId, run uint32) []byte {
	return key(sessionPrefix(session), uint32Key(run))
}

func recordKey(session lib.SessionId, run uint32, seq uint64) []byte {
	return key(runKey(session, run), uint64Key(seq))
}
