package models

// CardPage is one page of a filtered card listing.
type CardPage struct {
	Cards       []*Card `json:"cards"`
	Page        int     `json:"page"`
	Limit       int     `json:"limit"`
	TotalPages  int     `json:"totalPages"`
	TotalDocs   int64   `json:"totalDocs"`
	HasNextPage bool    `json:"hasNextPage"`
	HasPrevPage bool    `json:"hasPrevPage"`
}

// NewCardPage fills in the pagination metadata for a page of results.
func NewCardPage(cards []*Card, total int64, page, limit int) *CardPage {
	if cards == nil {
		cards = []*Card{}
	}
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return &CardPage{
		Cards:       cards,
		Page:        page,
		Limit:       limit,
		TotalPages:  totalPages,
		TotalDocs:   total,
		HasNextPage: page < totalPages,
		HasPrevPage: page > 1,
	}
}
