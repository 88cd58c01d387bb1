package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"github.com/avvvet/cardkey-services/internal/comm"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const sweepConcurrency = 8

type SweepResult struct {
	Updated int            `json:"updatedCount"`
	Cards   []*models.Card `json:"cards"`
}

// Sweep moves up to SweepBatchSize time-expired cards to status=expired.
// Each card is updated independently; a failed update is logged and left
// for the next sweep. Cards changed by a concurrent verify or unbind between
// the scan and the write are skipped by the store.
func (s *CardService) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	candidates, err := s.store.FindExpirable(ctx, now, s.opts.SweepBatchSize)
	if err != nil {
		return nil, storeFailure("find expirable cards", err)
	}

	changed := make([]bool, len(candidates))
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, card := range candidates {
		i, card := i, card
		g.Go(func() error {
			ok, err := s.store.MarkExpired(gctx, card.ID, now)
			if err != nil {
				log.WithError(err).Warnf("sweep: failed to expire card %s", card.ID)
				failed.Add(1)
				return nil
			}
			changed[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	res := &SweepResult{Cards: make([]*models.Card, 0, len(candidates))}
	for i, card := range candidates {
		if !changed[i] {
			continue
		}
		c := card.Clone()
		c.Status = models.StatusExpired
		res.Cards = append(res.Cards, c)
		s.publish(comm.CardEvent{
			Type:      comm.EventCardExpired,
			CardID:    c.ID,
			Key:       c.Key,
			Status:    string(c.Status),
			HWID:      c.HWID,
			BatchID:   c.BatchID,
			ExpiredAt: c.ExpiredAt,
			At:        now,
		})
	}
	res.Updated = len(res.Cards)

	s.metrics.RecordSweep(res.Updated, int(failed.Load()))
	if res.Updated > 0 || failed.Load() > 0 {
		log.Infof("sweep: expired %d of %d candidate cards (%d failed)", res.Updated, len(candidates), failed.Load())
	}
	return res, nil
}

// SweepNow runs Sweep at the service clock's current time.
func (s *CardService) SweepNow(ctx context.Context) (*SweepResult, error) {
	return s.Sweep(ctx, s.now())
}
