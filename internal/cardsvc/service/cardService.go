package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/keygen"
	"github.com/avvvet/cardkey-services/internal/cardsvc/metrics"
	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"github.com/avvvet/cardkey-services/internal/cardsvc/store"
	"github.com/avvvet/cardkey-services/internal/comm"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxBindAttempts bounds how often Verify re-reads a card after losing the
// first-use write to a concurrent request.
const maxBindAttempts = 3

const generateConcurrency = 16

// Publisher receives card lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(event comm.CardEvent)
}

type Options struct {
	ExpiryDays            int
	StrictUsedWithoutHWID bool
	UnbindKey             string
	SweepBatchSize        int
	// WriteTimeout bounds store writes that outlive the request context.
	WriteTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ExpiryDays <= 0 {
		o.ExpiryDays = 30
	}
	if o.SweepBatchSize <= 0 || o.SweepBatchSize > MaxBatchSize {
		o.SweepBatchSize = MaxBatchSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

type CardService struct {
	store      store.CardStore
	events     Publisher
	metrics    metrics.Recorder
	opts       Options
	now        func() time.Time
	newKey     func() (string, error)
	newBatchID func() (string, error)

	bg sync.WaitGroup
}

func NewCardService(s store.CardStore, events Publisher, m metrics.Recorder, opts Options) *CardService {
	opts.setDefaults()
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &CardService{
		store:      s,
		events:     events,
		metrics:    m,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		newKey:     keygen.NewKey,
		newBatchID: keygen.NewBatchID,
	}
}

// SetClock replaces the time source.
func (s *CardService) SetClock(now func() time.Time) { s.now = now }

// SetKeyFunc replaces the key generator.
func (s *CardService) SetKeyFunc(fn func() (string, error)) { s.newKey = fn }

// Wait blocks until background writes started so far have finished.
func (s *CardService) Wait() { s.bg.Wait() }

type VerifyResult struct {
	Card       *models.Card
	FirstUse   bool
	ServerTime time.Time
}

// Verify checks key against hwid and binds the card on first use.
//
// The first-use transition is a conditional store write: only a card that is
// still unused and unexpired matches. A caller that loses that write re-reads
// the card and is evaluated again, so a racer from the same device ends up
// with a repeat success and a racer from another device with a conflict.
func (s *CardService) Verify(ctx context.Context, key, hwid string) (*VerifyResult, error) {
	serverTime := s.now()
	if err := validateStruct(verifyInput{Key: key, HWID: hwid}); err != nil {
		s.metrics.RecordVerify("invalid")
		return nil, err
	}
	hwid = strings.ToLower(hwid)

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		card, err := s.store.FindByKey(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.metrics.RecordVerify("not_found")
				return nil, newError(KindNotFound, "card not found", nil)
			}
			s.metrics.RecordVerify("store_failure")
			return nil, storeFailure("find card", err)
		}

		now := s.now()
		ev := Evaluate(card, hwid, now, s.opts.StrictUsedWithoutHWID)
		switch ev.Decision {
		case DecisionExpired:
			if ev.LazyExpire {
				s.expireInBackground(card, now)
			}
			s.metrics.RecordVerify("expired")
			return nil, newError(KindExpired, "card has expired", timeFields("expiredAt", card.ExpiredAt))

		case DecisionRepeat:
			s.metrics.RecordVerify("repeat")
			return &VerifyResult{Card: card, ServerTime: serverTime}, nil

		case DecisionConflict:
			s.metrics.RecordVerify("device_conflict")
			return nil, newError(KindDeviceConflict, "card is bound to another device",
				timeFields("usedAt", card.UsedAt, "bindAt", card.BindAt))

		case DecisionAlreadyUsed:
			s.metrics.RecordVerify("already_used")
			return nil, newError(KindAlreadyUsed, "card has already been used", timeFields("usedAt", card.UsedAt))

		case DecisionFirstUse:
			bound, err := s.bind(ctx, card.ID, NewBinding(hwid, now, s.opts.ExpiryDays))
			switch {
			case errors.Is(err, store.ErrConflict):
				log.Debugf("card %s changed during first use, re-evaluating (attempt %d)", card.ID, attempt+1)
				continue
			case errors.Is(err, store.ErrNotFound):
				s.metrics.RecordVerify("not_found")
				return nil, newError(KindNotFound, "card not found", nil)
			case err != nil:
				s.metrics.RecordVerify("store_failure")
				return nil, storeFailure("bind card", err)
			}

			s.metrics.RecordVerify("bound")
			s.publish(comm.CardEvent{
				Type:      comm.EventCardBound,
				CardID:    bound.ID,
				Key:       bound.Key,
				Status:    string(bound.Status),
				HWID:      bound.HWID,
				BatchID:   bound.BatchID,
				ExpiredAt: bound.ExpiredAt,
				At:        now,
			})
			return &VerifyResult{Card: bound, FirstUse: true, ServerTime: serverTime}, nil

		default:
			log.Errorf("card %s has unknown status %q", card.ID, card.Status)
			s.metrics.RecordVerify("store_failure")
			return nil, storeFailure("evaluate card", fmt.Errorf("unknown status %q", card.Status))
		}
	}

	s.metrics.RecordVerify("store_failure")
	return nil, storeFailure("bind card", errors.New("card kept changing under concurrent updates"))
}

// bind runs the first-use write detached from the caller's cancellation so a
// client that gives up mid-request does not abort the write.
func (s *CardService) bind(ctx context.Context, id string, b models.Binding) (*models.Card, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer cancel()
	return s.store.Bind(ctx, id, b)
}

// expireInBackground persists status=expired without holding up the
// response. Failures are logged and counted, never retried.
func (s *CardService) expireInBackground(card *models.Card, now time.Time) {
	s.background("lazy_expire", func(ctx context.Context) error {
		changed, err := s.store.MarkExpired(ctx, card.ID, now)
		if err != nil {
			return err
		}
		if changed {
			s.publish(comm.CardEvent{
				Type:      comm.EventCardExpired,
				CardID:    card.ID,
				Key:       card.Key,
				Status:    string(models.StatusExpired),
				HWID:      card.HWID,
				ExpiredAt: card.ExpiredAt,
				At:        now,
			})
		}
		return nil
	})
}

func (s *CardService) background(op string, fn func(ctx context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			log.WithError(err).WithField("op", op).Error("background card write failed")
			s.metrics.RecordBackgroundFailure(op)
		}
	}()
}

func (s *CardService) publish(ev comm.CardEvent) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
	s.metrics.RecordEvent(ev.Type)
}

type GenerateRequest struct {
	Count       int
	Description string
	ExpiredAt   *time.Time
}

type GenerateFailure struct {
	Index int    `json:"index"`
	Key   string `json:"key,omitempty"`
	Kind  Kind   `json:"error"`
}

type GenerateResult struct {
	BatchID string
	Cards   []*models.Card
	Failed  []GenerateFailure
}

// Generate creates req.Count cards sharing one new batch id. Inserts are
// independent: the result lists the cards that were created and the ones
// that failed. An error is returned only when nothing was created.
func (s *CardService) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := validateStruct(generateInput{Count: req.Count, Description: req.Description}); err != nil {
		return nil, err
	}
	if req.ExpiredAt != nil && !req.ExpiredAt.After(s.now()) {
		return nil, validationError("expiredAt must be in the future")
	}

	batchID, err := s.newBatchID()
	if err != nil {
		return nil, storeFailure("generate batch id", err)
	}

	created := make([]*models.Card, req.Count)
	failed := make([]*GenerateFailure, req.Count)

	g := new(errgroup.Group)
	g.SetLimit(generateConcurrency)
	for i := 0; i < req.Count; i++ {
		i := i
		g.Go(func() error {
			key, err := s.newKey()
			if err != nil {
				log.WithError(err).Error("failed to generate card key")
				failed[i] = &GenerateFailure{Index: i, Kind: KindStoreFailure}
				return nil
			}

			card, err := s.store.Create(ctx, &models.Card{
				Key:         key,
				Status:      models.StatusUnused,
				Description: req.Description,
				ExpiredAt:   req.ExpiredAt,
				BatchID:     batchID,
			})
			if err != nil {
				kind := KindStoreFailure
				if errors.Is(err, store.ErrDuplicateKey) {
					kind = KindDuplicateKey
				}
				log.WithError(err).WithFields(log.Fields{"batch": batchID, "index": i}).Error("failed to create card")
				failed[i] = &GenerateFailure{Index: i, Key: key, Kind: kind}
				return nil
			}
			created[i] = card
			return nil
		})
	}
	_ = g.Wait()

	res := &GenerateResult{BatchID: batchID, Cards: make([]*models.Card, 0, req.Count)}
	dupOnly := true
	for i := range created {
		if created[i] != nil {
			res.Cards = append(res.Cards, created[i])
		}
		if failed[i] != nil {
			res.Failed = append(res.Failed, *failed[i])
			dupOnly = dupOnly && failed[i].Kind == KindDuplicateKey
		}
	}

	s.metrics.RecordGenerated(len(res.Cards))
	s.metrics.RecordGenerateFailures(len(res.Failed))

	if len(res.Cards) == 0 {
		fields := map[string]any{"batchId": batchID, "failed": len(res.Failed)}
		if dupOnly {
			return nil, newError(KindDuplicateKey, "every generated key collided with an existing card", fields)
		}
		return nil, &Error{Kind: KindStoreFailure, Message: "no cards could be created", Fields: fields}
	}

	log.Infof("generated %d cards in batch %s (%d failed)", len(res.Cards), batchID, len(res.Failed))
	s.publish(comm.CardEvent{
		Type:    comm.EventCardGenerated,
		BatchID: batchID,
		Status:  string(models.StatusUnused),
		Count:   len(res.Cards),
		At:      s.now(),
	})
	return res, nil
}

type ListRequest struct {
	Status  string
	BatchID string
	Page    int
	Limit   int
}

// NormalizePage clamps page to >= 1 and limit to [1, MaxLimit], with
// DefaultLimit for an unset limit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return page, limit
}

// List is read-only: time-expired cards are returned with their stored
// status, converging only through Verify or Sweep.
func (s *CardService) List(ctx context.Context, req ListRequest) (*models.CardPage, error) {
	if err := validateStruct(listInput{Status: req.Status}); err != nil {
		return nil, err
	}
	page, limit := NormalizePage(req.Page, req.Limit)

	res, err := s.store.Find(ctx, models.Filter{Status: models.Status(req.Status), BatchID: req.BatchID}, page, limit)
	if err != nil {
		return nil, storeFailure("list cards", err)
	}
	return res, nil
}

// Export returns up to ExportLimit cards matching the filter, newest first,
// plus the total number of matches.
func (s *CardService) Export(ctx context.Context, req ListRequest) ([]*models.Card, int64, error) {
	if err := validateStruct(listInput{Status: req.Status}); err != nil {
		return nil, 0, err
	}
	res, err := s.store.Find(ctx, models.Filter{Status: models.Status(req.Status), BatchID: req.BatchID}, 1, ExportLimit)
	if err != nil {
		return nil, 0, storeFailure("export cards", err)
	}
	return res.Cards, res.TotalDocs, nil
}

// Unbind returns a bound card to unused. It is gated by the shared unbind
// secret rather than the admin capability.
func (s *CardService) Unbind(ctx context.Context, cardID, adminKey string) (*models.Card, error) {
	if strings.TrimSpace(cardID) == "" {
		return nil, validationError("cardId is required")
	}
	if s.opts.UnbindKey == "" || subtle.ConstantTimeCompare([]byte(adminKey), []byte(s.opts.UnbindKey)) != 1 {
		log.Warnf("rejected unbind of card %s: bad admin key", cardID)
		return nil, newError(KindPermission, "not allowed to unbind cards", nil)
	}

	card, err := s.store.FindByID(ctx, cardID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, newError(KindNotFound, "card not found", nil)
		}
		return nil, storeFailure("find card", err)
	}
	if card.HWID == "" {
		return nil, newError(KindNotBound, "card is not bound to any device", nil)
	}

	updated, err := s.store.Unbind(ctx, card.ID, card.HWID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, newError(KindNotFound, "card not found", nil)
		case errors.Is(err, store.ErrConflict):
			log.Warnf("unbind of card %s skipped: no longer bound to hwid %s", card.ID, card.HWID)
			return nil, newError(KindNotBound, "card is no longer bound to that device", nil)
		}
		return nil, storeFailure("unbind card", err)
	}

	log.Infof("card %s unbound from hwid %s", card.ID, card.HWID)
	s.publish(comm.CardEvent{
		Type:   comm.EventCardUnbound,
		CardID: updated.ID,
		Key:    updated.Key,
		Status: string(updated.Status),
		HWID:   card.HWID,
		At:     s.now(),
	})
	return updated, nil
}

type HWIDCard struct {
	*models.Card
	IsValid bool `json:"isValid"`
}

type HWIDReport struct {
	Bound      bool       `json:"bound"`
	TotalCards int        `json:"totalCards"`
	ValidCards int        `json:"validCards"`
	Cards      []HWIDCard `json:"cards"`
}

// CheckHWID reports every card bound to hwid and how many are still valid.
func (s *CardService) CheckHWID(ctx context.Context, hwid string) (*HWIDReport, error) {
	if err := validateStruct(hwidInput{HWID: hwid}); err != nil {
		return nil, err
	}

	cards, err := s.store.FindByHWID(ctx, strings.ToLower(hwid))
	if err != nil {
		return nil, storeFailure("find cards by hwid", err)
	}

	now := s.now()
	report := &HWIDReport{Bound: len(cards) > 0, TotalCards: len(cards), Cards: make([]HWIDCard, 0, len(cards))}
	for _, c := range cards {
		valid := c.IsValid(now)
		if valid {
			report.ValidCards++
		}
		report.Cards = append(report.Cards, HWIDCard{Card: c, IsValid: valid})
	}
	return report, nil
}

// timeFields builds error context from name/value pairs, skipping nil times.
func timeFields(kv ...any) map[string]any {
	fields := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		name, _ := kv[i].(string)
		if t, ok := kv[i+1].(*time.Time); ok && t != nil {
			fields[name] = *t
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
