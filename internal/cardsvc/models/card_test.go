package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCard_IsTimeExpired(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.False(t, (&Card{}).IsTimeExpired(now))
	assert.True(t, (&Card{ExpiredAt: &past}).IsTimeExpired(now))
	assert.False(t, (&Card{ExpiredAt: &future}).IsTimeExpired(now))
	assert.False(t, (&Card{ExpiredAt: &now}).IsTimeExpired(now), "expiry instant itself is not yet past")
}

func TestCard_IsValid(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&Card{Status: StatusUsed, ExpiredAt: &future}).IsValid(now))
	assert.True(t, (&Card{Status: StatusUnused}).IsValid(now))
	assert.False(t, (&Card{Status: StatusExpired, ExpiredAt: &future}).IsValid(now))
	assert.False(t, (&Card{Status: StatusUsed, ExpiredAt: &past}).IsValid(now))
}

func TestCard_CloneIsDeep(t *testing.T) {
	at := time.Now()
	orig := &Card{ID: "1", UsedAt: &at, BindAt: &at, ExpiredAt: &at}

	cp := orig.Clone()
	*cp.UsedAt = at.Add(time.Hour)
	cp.ID = "2"

	assert.Equal(t, at, *orig.UsedAt)
	assert.Equal(t, "1", orig.ID)
	assert.Nil(t, (*Card)(nil).Clone())
}

func TestNewCardPage(t *testing.T) {
	p := NewCardPage(nil, 25, 2, 10)
	assert.NotNil(t, p.Cards)
	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasNextPage)
	assert.True(t, p.HasPrevPage)

	p = NewCardPage(nil, 0, 1, 10)
	assert.Equal(t, 0, p.TotalPages)
	assert.False(t, p.HasNextPage)
	assert.False(t, p.HasPrevPage)

	p = NewCardPage(nil, 20, 2, 10)
	assert.Equal(t, 2, p.TotalPages)
	assert.False(t, p.HasNextPage)
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusUnused.Valid())
	assert.True(t, StatusUsed.Valid())
	assert.True(t, StatusExpired.Valid())
	assert.False(t, Status("bound").Valid())
	assert.False(t, Status("").Valid())
}
