package store

import (
	"io"
	"testing"

	"github.com/canopy-network/finality/lib"
	"github.com/stretchr/testify/require"
)

func TestBackupRotation(t *testing.T) {
	_, db := newTestChain(t)
	store := NewBackupStore(db, lib.NewNullLogger())
	// the first run loads nothing
	backup, err := store.Rotate(3)
	require.NoError(t, err)
	require.Empty(t, readAll(t, backup.Loader))
	_, e := backup.Saver.Write([]byte("a"))
	require.NoError(t, e)
	_, e = backup.Saver.Write([]byte("b"))
	require.NoError(t, e)
	// a run that writes nothing still counts
	_, err = store.Rotate(3)
	require.NoError(t, err)
	backup, err = store.Rotate(3)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), readAll(t, backup.Loader))
	_, e = backup.Saver.Write([]byte("c"))
	require.NoError(t, e)
	backup, err = store.Rotate(3)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), readAll(t, backup.Loader), "runs replay in order")
	// other sessions are independent
	backup, err = store.Rotate(4)
	require.NoError(t, err)
	require.Empty(t, readAll(t, backup.Loader))
}

func TestBackupIncomplete(t *testing.T) {
	_, db := newTestChain(t)
	store := NewBackupStore(db, lib.NewNullLogger())
	for i := 0; i < 3; i++ {
		_, err := store.Rotate(1)
		require.NoError(t, err)
	}
	// losing a run in the middle makes the log unusable
	require.NoError(t, db.DropPrefix(runKey(1, 1)))
	_, err := store.Rotate(1)
	require.True(t, lib.IsError(err, lib.CodeBackupIncomplete, lib.SessionModule))
}

func TestRemoveOldBackups(t *testing.T) {
	_, db := newTestChain(t)
	store := NewBackupStore(db, lib.NewNullLogger())
	for s := lib.SessionId(1); s <= 3; s++ {
		backup, err := store.Rotate(s)
		require.NoError(t, err)
		_, e := backup.Saver.Write([]byte{byte(s)})
		require.NoError(t, e)
	}
	require.NoError(t, store.RemoveOldBackups(3))
	for s := lib.SessionId(1); s <= 3; s++ {
		backup, err := store.Rotate(s)
		require.NoError(t, err)
		if s < 3 {
			require.Empty(t, readAll(t, backup.Loader), "backup of %s is removed", s)
		} else {
			require.Equal(t, []byte{3}, readAll(t, backup.Loader))
		}
	}
}

func TestBackupSurvivesReopen(t *testing.T) {
	config := lib.StoreConfig{DataDirPath: t.TempDir(), DBName: "db"}
	db, err := OpenDB(config, lib.NewNullLogger())
	require.NoError(t, err)
	backup, err := NewBackupStore(db, lib.NewNullLogger()).Rotate(2)
	require.NoError(t, err)
	saver, ok := backup.Saver.(*backupSaver)
	require.True(t, ok)
	require.True(t, saver.fsync, "an on disk db syncs every record")
	_, e := saver.Write([]byte("unit"))
	require.NoError(t, e)
	require.NoError(t, db.Close())
	db, err = OpenDB(config, lib.NewNullLogger())
	require.NoError(t, err)
	defer db.Close()
	backup, err = NewBackupStore(db, lib.NewNullLogger()).Rotate(2)
	require.NoError(t, err)
	require.Equal(t, []byte("unit"), readAll(t, backup.Loader))
}

func readAll(t *testing.T, r io.Reader) []byte {
	bz, err := io.ReadAll(r)
	require.NoError(t, err)
	return bz
}
