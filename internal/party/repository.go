package party

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridelink/backend/internal/models"
)

// Repository implements Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a party repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const partyColumns = `id, join_code, join_token, host_id, state, created_at, expires_at`

func scanParty(row pgx.Row) (*models.Party, error) {
	var p models.Party
	err := row.Scan(&p.ID, &p.JoinCode, &p.JoinToken, &p.HostID, &p.State, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// InsertParty stores a new active party.
func (r *Repository) InsertParty(ctx context.Context, p *models.Party) error {
	const q = `INSERT INTO parties (id, join_code, join_token, host_id, state, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, p.ID, p.JoinCode, p.JoinToken, p.HostID, p.State, p.CreatedAt, p.ExpiresAt)
	if isUniqueViolation(err, "parties_active_join_code") {
		return ErrCodeTaken
	}
	return err
}

// FindByID returns a party by id.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	const q = `SELECT ` + partyColumns + ` FROM parties WHERE id = $1`
	return scanParty(r.pool.QueryRow(ctx, q, id))
}

// FindActiveByCode returns the active party with the given join code.
func (r *Repository) FindActiveByCode(ctx context.Context, code string) (*models.Party, error) {
	const q = `SELECT ` + partyColumns + ` FROM parties WHERE join_code = $1 AND state = 'active'`
	return scanParty(r.pool.QueryRow(ctx, q, code))
}

// FindActiveByToken returns the active party with the given join token.
func (r *Repository) FindActiveByToken(ctx context.Context, token string) (*models.Party, error) {
	const q = `SELECT ` + partyColumns + ` FROM parties WHERE join_token = $1 AND state = 'active'`
	return scanParty(r.pool.QueryRow(ctx, q, token))
}

// AddMember inserts an active membership inside one transaction: the caller's
// prior active membership anywhere is ended first, then the capacity check
// runs under a row lock on the party so concurrent joins serialize.
func (r *Repository) AddMember(ctx context.Context, partyID, userID uuid.UUID, max int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Already an active member of this party: joining again is a no-op.
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM party_memberships WHERE party_id = $1 AND user_id = $2 AND left_at IS NULL)`,
		partyID, userID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return tx.Commit(ctx)
	}

	// At most one active party per user.
	if _, err := tx.Exec(ctx,
		`UPDATE party_memberships SET left_at = NOW() WHERE user_id = $1 AND left_at IS NULL`,
		userID); err != nil {
		return err
	}

	// Serialize concurrent joins on the party row before counting.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM parties WHERE id = $1 FOR UPDATE`, partyID); err != nil {
		return err
	}
	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM party_memberships WHERE party_id = $1 AND left_at IS NULL`,
		partyID).Scan(&count); err != nil {
		return err
	}
	if count >= max {
		return ErrCapacityExceeded
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO party_memberships (party_id, user_id) VALUES ($1, $2)`,
		partyID, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EndMembership sets left_at on the user's active membership. Idempotent.
func (r *Repository) EndMembership(ctx context.Context, partyID, userID uuid.UUID) error {
	const q = `UPDATE party_memberships SET left_at = NOW()
		WHERE party_id = $1 AND user_id = $2 AND left_at IS NULL`
	_, err := r.pool.Exec(ctx, q, partyID, userID)
	return err
}

// EndParty marks the party ended and cascades left_at to active memberships.
func (r *Repository) EndParty(ctx context.Context, partyID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE parties SET state = 'ended' WHERE id = $1 AND state = 'active'`,
		partyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE party_memberships SET left_at = NOW() WHERE party_id = $1 AND left_at IS NULL`,
		partyID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateCode atomically replaces the join code of an active party. A join by
// the old code racing this update either sees the old row (and joins before
// the swap) or finds no active party with that code.
func (r *Repository) UpdateCode(ctx context.Context, partyID uuid.UUID, code string) error {
	const q = `UPDATE parties SET join_code = $1 WHERE id = $2 AND state = 'active'`
	ct, err := r.pool.Exec(ctx, q, code, partyID)
	if isUniqueViolation(err, "parties_active_join_code") {
		return ErrCodeTaken
	}
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveMembers returns memberships with left_at IS NULL, ordered by join time.
func (r *Repository) ActiveMembers(ctx context.Context, partyID uuid.UUID) ([]models.Membership, error) {
	const q = `SELECT party_id, user_id, joined_at FROM party_memberships
		WHERE party_id = $1 AND left_at IS NULL ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.PartyID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// ExpiredActive returns active parties past their TTL.
func (r *Repository) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Party, error) {
	const q = `SELECT ` + partyColumns + ` FROM parties
		WHERE state = 'active' AND expires_at < $1 ORDER BY expires_at LIMIT $2`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Party
	for rows.Next() {
		var p models.Party
		if err := rows.Scan(&p.ID, &p.JoinCode, &p.JoinToken, &p.HostID, &p.State, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}
