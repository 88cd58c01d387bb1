package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createCard(t *testing.T, s *MemoryCardStore, key, batch string, expiredAt *time.Time) *models.Card {
	t.Helper()
	c, err := s.Create(context.Background(), &models.Card{
		Key:       key,
		Status:    models.StatusUnused,
		BatchID:   batch,
		ExpiredAt: expiredAt,
	})
	require.NoError(t, err)
	return c
}

func TestMemoryCardStore_CreateRejectsDuplicateKey(t *testing.T) {
	s := NewMemoryCardStore()
	createCard(t, s, "0123456789abcdef0123456789abcdef", "b1", nil)

	_, err := s.Create(context.Background(), &models.Card{Key: "0123456789abcdef0123456789abcdef"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestMemoryCardStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryCardStore()
	c := createCard(t, s, "k-copy-0000000000000000000000000", "", nil)

	c.Status = models.StatusExpired
	got, err := s.FindByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnused, got.Status)
}

func TestMemoryCardStore_FindNotFound(t *testing.T) {
	s := NewMemoryCardStore()
	_, err := s.FindByID(context.Background(), "42")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByKey(context.Background(), "missing-key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCardStore_BindOnlyOnce(t *testing.T) {
	s := NewMemoryCardStore()
	c := createCard(t, s, "k-bind-0000000000000000000000000", "", nil)
	now := time.Now()

	bound, err := s.Bind(context.Background(), c.ID, models.Binding{HWID: "aa", At: now, ExpiredAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUsed, bound.Status)
	assert.Equal(t, "aa", bound.HWID)
	require.NotNil(t, bound.UsedAt)
	assert.Equal(t, now, *bound.UsedAt)

	_, err = s.Bind(context.Background(), c.ID, models.Binding{HWID: "bb", At: now, ExpiredAt: now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.FindByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "aa", got.HWID)
}

func TestMemoryCardStore_BindRejectsTimeExpired(t *testing.T) {
	s := NewMemoryCardStore()
	past := time.Now().Add(-time.Minute)
	c := createCard(t, s, "k-stale-000000000000000000000000", "", &past)

	_, err := s.Bind(context.Background(), c.ID, models.Binding{HWID: "aa", At: time.Now(), ExpiredAt: time.Now()})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryCardStore_ConcurrentBindSingleWinner(t *testing.T) {
	s := NewMemoryCardStore()
	c := createCard(t, s, "k-race-0000000000000000000000000", "", nil)
	now := time.Now()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Bind(context.Background(), c.ID, models.Binding{
				HWID: fmt.Sprintf("%032x", i), At: now, ExpiredAt: now.Add(time.Hour),
			})
			if err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryCardStore_MarkExpired(t *testing.T) {
	s := NewMemoryCardStore()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	stale := createCard(t, s, "k-exp-00000000000000000000000000", "", &past)
	fresh := createCard(t, s, "k-fresh-000000000000000000000000", "", &future)

	changed, err := s.MarkExpired(context.Background(), stale.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkExpired(context.Background(), stale.ID, now)
	require.NoError(t, err)
	assert.False(t, changed, "second mark is a no-op")

	changed, err = s.MarkExpired(context.Background(), fresh.ID, now)
	require.NoError(t, err)
	assert.False(t, changed, "cards whose expiry is in the future are left alone")
}

func TestMemoryCardStore_FindFiltersAndSorts(t *testing.T) {
	s := NewMemoryCardStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	for i := 0; i < 5; i++ {
		createCard(t, s, fmt.Sprintf("k-a-%028d", i), "A", nil)
	}
	for i := 0; i < 3; i++ {
		createCard(t, s, fmt.Sprintf("k-b-%028d", i), "B", nil)
	}

	page, err := s.Find(context.Background(), models.Filter{BatchID: "A"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalDocs)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Cards, 2)
	assert.Equal(t, "k-a-0000000000000000000000000004", page.Cards[0].Key)
	assert.True(t, page.Cards[0].CreatedAt.After(page.Cards[1].CreatedAt))

	page, err = s.Find(context.Background(), models.Filter{BatchID: "A"}, 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Cards, 1)
	assert.False(t, page.HasNextPage)

	page, err = s.Find(context.Background(), models.Filter{BatchID: "A", Status: models.StatusUsed}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Cards)

	page, err = s.Find(context.Background(), models.Filter{}, 9, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Cards)
	assert.Equal(t, int64(8), page.TotalDocs)
}

func TestMemoryCardStore_FindExpirableHonoursLimit(t *testing.T) {
	s := NewMemoryCardStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		at := now.Add(-time.Duration(i+1) * time.Minute)
		createCard(t, s, fmt.Sprintf("k-x-%028d", i), "", &at)
	}

	cards, err := s.FindExpirable(context.Background(), now, 3)
	require.NoError(t, err)
	assert.Len(t, cards, 3)
}

func TestMemoryCardStore_UnbindClearsBinding(t *testing.T) {
	s := NewMemoryCardStore()
	c := createCard(t, s, "k-unbind-00000000000000000000000", "", nil)
	now := time.Now()
	_, err := s.Bind(context.Background(), c.ID, models.Binding{HWID: "aa", At: now, ExpiredAt: now.Add(time.Hour)})
	require.NoError(t, err)

	_, err = s.Unbind(context.Background(), c.ID, "bb")
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Unbind(context.Background(), c.ID, "aa")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnused, got.Status)
	assert.Empty(t, got.HWID)
	assert.Nil(t, got.UsedAt)
	assert.Nil(t, got.BindAt)
	assert.Nil(t, got.ExpiredAt)

	_, err = s.Unbind(context.Background(), c.ID, "aa")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Unbind(context.Background(), "999", "aa")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCardStore_FindByHWIDNewestUseFirst(t *testing.T) {
	s := NewMemoryCardStore()
	first := createCard(t, s, "k-h1-0000000000000000000000000000", "", nil)
	second := createCard(t, s, "k-h2-0000000000000000000000000000", "", nil)
	now := time.Now()

	_, err := s.Bind(context.Background(), first.ID, models.Binding{HWID: "hw", At: now, ExpiredAt: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.Bind(context.Background(), second.ID, models.Binding{HWID: "hw", At: now.Add(time.Minute), ExpiredAt: now.Add(time.Hour)})
	require.NoError(t, err)

	cards, err := s.FindByHWID(context.Background(), "hw")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, second.ID, cards[0].ID)
}
