package service

import (
	"strings"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
)

// Decision is the outcome of evaluating a verification against a card.
type Decision int

const (
	// DecisionExpired rejects: expiredAt has passed or status is expired.
	DecisionExpired Decision = iota
	// DecisionRepeat accepts: the card is already bound to this device.
	DecisionRepeat
	// DecisionConflict rejects: the card is bound to a different device.
	DecisionConflict
	// DecisionAlreadyUsed rejects a used card with no hwid in strict mode.
	DecisionAlreadyUsed
	// DecisionFirstUse binds the card to the requesting device.
	DecisionFirstUse
	// DecisionCorrupt means the stored status is not one we know.
	DecisionCorrupt
)

func (d Decision) String() string {
	switch d {
	case DecisionExpired:
		return "expired"
	case DecisionRepeat:
		return "repeat"
	case DecisionConflict:
		return "conflict"
	case DecisionAlreadyUsed:
		return "already_used"
	case DecisionFirstUse:
		return "first_use"
	}
	return "corrupt"
}

type Evaluation struct {
	Decision Decision
	// LazyExpire is set when the card is time-expired but its stored status
	// has not caught up yet.
	LazyExpire bool
}

// Evaluate applies the verification rules in their fixed order: time expiry,
// then stored expiry, then used (matching or absent hwid before conflicting
// hwid), then unused. Hwids compare case-insensitively.
func Evaluate(card *models.Card, hwid string, now time.Time, strict bool) Evaluation {
	if card.IsTimeExpired(now) {
		return Evaluation{Decision: DecisionExpired, LazyExpire: card.Status != models.StatusExpired}
	}

	switch card.Status {
	case models.StatusExpired:
		return Evaluation{Decision: DecisionExpired}
	case models.StatusUsed:
		switch {
		case card.HWID == "":
			if strict {
				return Evaluation{Decision: DecisionAlreadyUsed}
			}
			return Evaluation{Decision: DecisionRepeat}
		case strings.EqualFold(card.HWID, hwid):
			return Evaluation{Decision: DecisionRepeat}
		default:
			return Evaluation{Decision: DecisionConflict}
		}
	case models.StatusUnused:
		return Evaluation{Decision: DecisionFirstUse}
	}
	return Evaluation{Decision: DecisionCorrupt}
}

// NewBinding computes the first-use fields for a verification at now.
func NewBinding(hwid string, now time.Time, expiryDays int) models.Binding {
	return models.Binding{
		HWID:      hwid,
		At:        now,
		ExpiredAt: now.AddDate(0, 0, expiryDays),
	}
}
