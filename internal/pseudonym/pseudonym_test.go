package pseudonym

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-board/internal/store"
)

func TestDeriveIsDeterministic(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	a := Derive(id, "R1")
	assert.Equal(t, a, Derive(id, "R1"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Derive(id, "R2"))
	assert.NotEqual(t, a, Derive(uuid.New(), "R1"))
}

func TestAnonymousIsUnique(t *testing.T) {
	a, b := Anonymous(), Anonymous()
	assert.True(t, strings.HasPrefix(a, AnonymousPrefix))
	assert.NotEqual(t, a, b)
}

func TestPseudonymForPersistsOnce(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s, nil)
	ctx := context.Background()
	id := uuid.New()

	first, err := svc.PseudonymFor(ctx, id, "R1")
	require.NoError(t, err)
	second, err := svc.PseudonymFor(ctx, id, "R1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, _ := s.Stats(ctx)
	assert.Equal(t, 1, stats.Pseudonyms)
}

func TestPseudonymForKeepsStoredValue(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.CreatePseudonym(ctx, &store.Pseudonym{Room: "R1", Identity: id, Value: "legacy"}))

	got, err := NewService(s, nil).PseudonymFor(ctx, id, "R1")
	require.NoError(t, err)
	assert.Equal(t, "legacy", got)
}

// racingStore reports the pair as missing on the first lookup even though a
// concurrent join already stored it.
type racingStore struct {
	*store.MemoryStore
	once sync.Once
}

func (r *racingStore) GetPseudonym(ctx context.Context, room string, id uuid.UUID) (*store.Pseudonym, error) {
	miss := false
	r.once.Do(func() { miss = true })
	if miss {
		return nil, store.ErrNotFound
	}
	return r.MemoryStore.GetPseudonym(ctx, room, id)
}

func TestPseudonymForConflictReturnsExisting(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	rs := &racingStore{MemoryStore: store.NewMemoryStore()}
	require.NoError(t, rs.MemoryStore.CreatePseudonym(ctx, &store.Pseudonym{Room: "R1", Identity: id, Value: "winner"}))

	got, err := NewService(rs, nil).PseudonymFor(ctx, id, "R1")
	require.NoError(t, err)
	assert.Equal(t, "winner", got)
}

func TestPseudonymForConcurrentFirstCalls(t *testing.T) {
	s := store.NewMemoryStore()
	svc := NewService(s, nil)
	id := uuid.New()

	const n = 32
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := svc.PseudonymFor(context.Background(), id, "R1")
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	stats, _ := s.Stats(context.Background())
	assert.Equal(t, 1, stats.Pseudonyms)
}
