package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
)

var _ CardStore = (*MemoryCardStore)(nil)

// MemoryCardStore keeps cards in process. It backs STORE_DRIVER=memory and
// the service tests; the mutex plays the role of the database's row lock.
type MemoryCardStore struct {
	mu     sync.Mutex
	seq    int64
	byID   map[string]*models.Card
	byKey  map[string]string
	order  map[string]int64
	nowFn  func() time.Time
	hookMu sync.Mutex
	onBind func()
}

func NewMemoryCardStore() *MemoryCardStore {
	return &MemoryCardStore{
		byID:  make(map[string]*models.Card),
		byKey: make(map[string]string),
		order: make(map[string]int64),
		nowFn: time.Now,
	}
}

// SetClock overrides the clock used for createdAt/updatedAt.
func (s *MemoryCardStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// BeforeBind registers fn to run before each Bind takes the lock. Tests use
// it to line up concurrent verifications.
func (s *MemoryCardStore) BeforeBind(fn func()) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onBind = fn
}

func (s *MemoryCardStore) Create(ctx context.Context, card *models.Card) (*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[card.Key]; ok {
		return nil, ErrDuplicateKey
	}

	s.seq++
	c := card.Clone()
	c.ID = strconv.FormatInt(s.seq, 10)
	now := s.nowFn()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.StatusUnused
	}

	s.byID[c.ID] = c
	s.byKey[c.Key] = c.ID
	s.order[c.ID] = s.seq
	return c.Clone(), nil
}

func (s *MemoryCardStore) FindByID(ctx context.Context, id string) (*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryCardStore) FindByKey(ctx context.Context, key string) (*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryCardStore) FindByHWID(ctx context.Context, hwid string) ([]*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Card
	for _, c := range s.byID {
		if c.HWID == hwid {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].UsedAt, out[j].UsedAt
		switch {
		case a == nil && b == nil:
			return s.order[out[i].ID] > s.order[out[j].ID]
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return out, nil
}

func (s *MemoryCardStore) Find(ctx context.Context, filter models.Filter, page, limit int) (*models.CardPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Card
	for _, c := range s.byID {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.BatchID != "" && c.BatchID != filter.BatchID {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return s.order[matched[i].ID] > s.order[matched[j].ID]
	})

	total := int64(len(matched))
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	cards := make([]*models.Card, 0, end-start)
	for _, c := range matched[start:end] {
		cards = append(cards, c.Clone())
	}
	return models.NewCardPage(cards, total, page, limit), nil
}

func (s *MemoryCardStore) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Card
	for _, c := range s.byID {
		if c.Status != models.StatusExpired && c.IsTimeExpired(now) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiredAt.Before(*out[j].ExpiredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryCardStore) Bind(ctx context.Context, id string, b models.Binding) (*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.hookMu.Lock()
	hook := s.onBind
	s.hookMu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != models.StatusUnused || c.IsTimeExpired(b.At) {
		return nil, ErrConflict
	}

	at, exp := b.At, b.ExpiredAt
	c.Status = models.StatusUsed
	c.HWID = b.HWID
	c.UsedAt = &at
	c.BindAt = &at
	c.ExpiredAt = &exp
	c.UpdatedAt = s.nowFn()
	return c.Clone(), nil
}

func (s *MemoryCardStore) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok || c.Status == models.StatusExpired || !c.IsTimeExpired(now) {
		return false, nil
	}
	c.Status = models.StatusExpired
	c.UpdatedAt = s.nowFn()
	return true, nil
}

func (s *MemoryCardStore) Unbind(ctx context.Context, id, hwid string) (*models.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if hwid == "" || c.HWID != hwid {
		return nil, ErrConflict
	}
	c.Status = models.StatusUnused
	c.HWID = ""
	c.UsedAt = nil
	c.BindAt = nil
	c.ExpiredAt = nil
	c.UpdatedAt = s.nowFn()
	return c.Clone(), nil
}
