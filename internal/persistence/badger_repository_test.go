package persistence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRepositorySaveLoadDelete(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository[sample](db, "sample")

	missing, err := repo.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, missing, "missing key should return (nil, nil)")

	require.NoError(t, repo.Save("a", &sample{ID: "a", Value: 1.5}))
	loaded, err := repo.Load("a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1.5, loaded.Value)

	require.NoError(t, repo.Delete("a"))
	loaded, err = repo.Load("a")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRepositoryListIsScopedByPrefix(t *testing.T) {
	db := openTestDB(t)
	first := NewRepository[sample](db, "first")
	second := NewRepository[sample](db, "second")

	require.NoError(t, first.Save("1", &sample{ID: "1"}))
	require.NoError(t, first.Save("2", &sample{ID: "2"}))
	require.NoError(t, second.Save("3", &sample{ID: "3"}))

	items, err := first.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, "2", items[1].ID)
}

func TestRepositoryRejectsEmptyID(t *testing.T) {
	repo := NewRepository[sample](openTestDB(t), "sample")
	assert.Error(t, repo.Save("", &sample{}))
}

func TestNextSequenceIsStrictlyIncreasing(t *testing.T) {
	db := openTestDB(t)

	var wg sync.WaitGroup
	results := make(chan uint64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := db.NextSequence("bot-1")
			assert.NoError(t, err)
			results <- seq
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for seq := range results {
		assert.False(t, seen[seq], "sequence %d handed out twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, 50)

	other, err := db.NextSequence("bot-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other)
}

func TestIntentJournal(t *testing.T) {
	db := openTestDB(t)

	ok, err := db.HasIntent("k#1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.PutIntent("k#1"))
	ok, err = db.HasIntent("k#1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.DeleteIntent("k#1"))
	ok, err = db.HasIntent("k#1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Empty(t, km.locks, "released keys should be removed")
}
