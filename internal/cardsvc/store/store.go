package store

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
)

var (
	// ErrNotFound is returned when no card matches the id or key.
	ErrNotFound = errors.New("card not found")

	// ErrDuplicateKey is returned by Create when the key is already taken.
	ErrDuplicateKey = errors.New("card key already exists")

	// ErrConflict is returned by Bind and Unbind when the card no longer
	// matched the expected state at write time.
	ErrConflict = errors.New("card state changed concurrently")
)

// CardStore is the persistence contract shared by the mongo, postgres and
// in-memory drivers. Every mutation touches a single card.
type CardStore interface {
	Create(ctx context.Context, card *models.Card) (*models.Card, error)
	FindByID(ctx context.Context, id string) (*models.Card, error)
	FindByKey(ctx context.Context, key string) (*models.Card, error)

	// FindByHWID returns every card bound to hwid, most recently used first.
	FindByHWID(ctx context.Context, hwid string) ([]*models.Card, error)

	// Find returns a page of cards matching filter, newest created first.
	Find(ctx context.Context, filter models.Filter, page, limit int) (*models.CardPage, error)

	// FindExpirable returns up to limit cards with expiredAt < now whose
	// status is not yet expired.
	FindExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Card, error)

	// Bind applies the first-use transition only while the card is unused
	// and not time-expired at b.At. Otherwise it returns ErrConflict.
	Bind(ctx context.Context, id string, b models.Binding) (*models.Card, error)

	// MarkExpired sets status=expired when expiredAt < now and the status is
	// not expired already. It reports whether the card was changed.
	MarkExpired(ctx context.Context, id string, now time.Time) (bool, error)

	// Unbind resets the card to unused and clears hwid, usedAt, bindAt and
	// expiredAt in one write, only while the card is still bound to hwid.
	// A card bound elsewhere or not at all yields ErrConflict.
	Unbind(ctx context.Context, id, hwid string) (*models.Card, error)
}
