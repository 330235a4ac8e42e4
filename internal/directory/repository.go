package directory

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository resolves user ids to display profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a directory repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ProfileRow is a resolved profile before avatar URL signing.
type ProfileRow struct {
	UserID      uuid.UUID
	DisplayName string
	AvatarKey   string
}

// FetchProfiles resolves all requested ids in a single query. Ids with no
// matching user are simply absent from the result; callers treat that as
// unresolved, not as an error.
func (r *Repository) FetchProfiles(ctx context.Context, ids []uuid.UUID) ([]ProfileRow, error) {
	const q = `SELECT id, display_name, COALESCE(avatar_key, '')
		FROM users WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []ProfileRow
	for rows.Next() {
		var p ProfileRow
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarKey); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
