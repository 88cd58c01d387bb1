package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ CardStore = (*PostgresCardStore)(nil)

const cardColumns = `id, card_key, status, description, hwid, used_at, bind_at, expired_at, batch_id, created_at, updated_at`

// CardsSchema is applied at startup by db.EnsureSchema.
const CardsSchema = `
CREATE TABLE IF NOT EXISTS cards (
    id          BIGSERIAL PRIMARY KEY,
    card_key    TEXT        NOT NULL,
    status      TEXT        NOT NULL DEFAULT 'unused',
    description TEXT        NOT NULL DEFAULT '',
    hwid        TEXT,
    used_at     TIMESTAMPTZ,
    bind_at     TIMESTAMPTZ,
    expired_at  TIMESTAMPTZ,
    batch_id    TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT unique_card_key UNIQUE (card_key),
    CONSTRAINT card_status_check CHECK (status IN ('unused', 'used', 'expired'))
);
CREATE INDEX IF NOT EXISTS idx_cards_status_created ON cards (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_cards_batch_created ON cards (batch_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_cards_hwid ON cards (hwid);
CREATE INDEX IF NOT EXISTS idx_cards_expired_at ON cards (expired_at) WHERE status <> 'expired';
`

type PostgresCardStore struct {
	db *pgxpool.Pool
}

func NewPostgresCardStore(db *pgxpool.Pool) *PostgresCardStore {
	return &PostgresCardStore{db: db}
}

func scanCard(row pgx.Row) (*models.Card, error) {
	var (
		c      models.Card
		id     int64
		status string
		hwid   *string
	)
	err := row.Scan(
		&id,
		&c.Key,
		&status,
		&c.Description,
		&hwid,
		&c.UsedAt,
		&c.BindAt,
		&c.ExpiredAt,
		&c.BatchID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ID = strconv.FormatInt(id, 10)
	c.Status = models.Status(status)
	if hwid != nil {
		c.HWID = *hwid
	}
	return &c, nil
}

func parseID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	return n, err == nil && n > 0
}

func (s *PostgresCardStore) Create(ctx context.Context, card *models.Card) (*models.Card, error) {
	status := card.Status
	if status == "" {
		status = models.StatusUnused
	}

	query := `
		INSERT INTO cards (card_key, status, description, expired_at, batch_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + cardColumns

	c, err := scanCard(s.db.QueryRow(ctx, query, card.Key, string(status), card.Description, card.ExpiredAt, card.BatchID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "unique_card_key" {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to create card: %w", err)
	}
	return c, nil
}

func (s *PostgresCardStore) findOne(ctx context.Context, where string, arg any) (*models.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE ` + where + ` LIMIT 1`

	c, err := scanCard(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return c, nil
}

func (s *PostgresCardStore) FindByID(ctx context.Context, id string) (*models.Card, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, "id = $1", n)
}

func (s *PostgresCardStore) FindByKey(ctx context.Context, key string) (*models.Card, error) {
	return s.findOne(ctx, "card_key = $1", key)
}

func (s *PostgresCardStore) FindByHWID(ctx context.Context, hwid string) ([]*models.Card, error) {
	query := `SELECT ` + cardColumns + ` FROM cards WHERE hwid = $1 ORDER BY used_at DESC NULLS LAST, id DESC`
	return s.query(ctx, query, hwid)
}

func (s *PostgresCardStore) Find(ctx context.Context, filter models.Filter, page, limit int) (*models.CardPage, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		conds = append(conds, fmt.Sprintf("batch_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM cards`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count cards: %w", err)
	}

	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`SELECT %s FROM cards%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		cardColumns, where, len(args)-1, len(args))

	cards, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return models.NewCardPage(cards, total, page, limit), nil
}

func (s *PostgresCardStore) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Card, error) {
	query := `
		SELECT ` + cardColumns + `
		FROM cards
		WHERE expired_at < $1 AND status <> 'expired'
		ORDER BY expired_at
		LIMIT $2`
	return s.query(ctx, query, now, limit)
}

func (s *PostgresCardStore) query(ctx context.Context, query string, args ...any) ([]*models.Card, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	var cards []*models.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cards, nil
}

// Bind only matches while the row is still unused and unexpired; zero rows
// back means another request won the first use.
func (s *PostgresCardStore) Bind(ctx context.Context, id string, b models.Binding) (*models.Card, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, ErrNotFound
	}

	query := `
		UPDATE cards
		SET status = 'used', hwid = $2, used_at = $3, bind_at = $3, expired_at = $4, updated_at = now()
		WHERE id = $1
		  AND status = 'unused'
		  AND (expired_at IS NULL OR expired_at >= $3)
		RETURNING ` + cardColumns

	c, err := scanCard(s.db.QueryRow(ctx, query, n, b.HWID, b.At, b.ExpiredAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to bind card: %w", err)
	}
	return c, nil
}

func (s *PostgresCardStore) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	n, ok := parseID(id)
	if !ok {
		return false, nil
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE cards
		SET status = 'expired', updated_at = now()
		WHERE id = $1 AND status <> 'expired' AND expired_at < $2`, n, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire card %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Unbind only matches while the row is still bound to hwid.
func (s *PostgresCardStore) Unbind(ctx context.Context, id, hwid string) (*models.Card, error) {
	n, ok := parseID(id)
	if !ok {
		return nil, ErrNotFound
	}
	if hwid == "" {
		return nil, ErrConflict
	}

	query := `
		UPDATE cards
		SET status = 'unused', hwid = NULL, used_at = NULL, bind_at = NULL, expired_at = NULL, updated_at = now()
		WHERE id = $1 AND hwid = $2
		RETURNING ` + cardColumns

	c, err := scanCard(s.db.QueryRow(ctx, query, n, hwid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cards WHERE id = $1)`, n).Scan(&exists); err != nil {
				return nil, fmt.Errorf("failed to get card: %w", err)
			}
			if !exists {
				return nil, ErrNotFound
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to unbind card: %w", err)
	}
	return c, nil
}
