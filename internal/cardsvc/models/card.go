package models

import "time"

type Status string

const (
	StatusUnused  Status = "unused"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnused, StatusUsed, StatusExpired:
		return true
	}
	return false
}

// Card is one license key and its lifecycle state. Optional timestamps are
// nil while unset.
type Card struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Status      Status     `json:"status"`
	Description string     `json:"description"`
	HWID        string     `json:"hwid,omitempty"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
	BindAt      *time.Time `json:"bindAt,omitempty"`
	ExpiredAt   *time.Time `json:"expiredAt,omitempty"`
	BatchID     string     `json:"batchId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTimeExpired reports whether expiredAt has passed, whatever the stored status says.
func (c *Card) IsTimeExpired(now time.Time) bool {
	return c.ExpiredAt != nil && c.ExpiredAt.Before(now)
}

// IsValid is the check-hwid notion of validity.
func (c *Card) IsValid(now time.Time) bool {
	return c.Status != StatusExpired && !c.IsTimeExpired(now)
}

func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	cp := *c
	cp.UsedAt = cloneTime(c.UsedAt)
	cp.BindAt = cloneTime(c.BindAt)
	cp.ExpiredAt = cloneTime(c.ExpiredAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Binding is the set of fields written by the first successful verification.
type Binding struct {
	HWID      string
	At        time.Time
	ExpiredAt time.Time
}

// Filter is a conjunction; zero fields are ignored.
type Filter struct {
	Status  Status
	BatchID string
}
