package image

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of *pgxpool.Pool used by PostgresRepository.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const imageColumns = `id, storage_key, original_filename, owner_id, size_bytes, content_type, created_at, ai_description`

// PostgresRepository stores images in PostgreSQL.
type PostgresRepository struct {
	db querier
}

// NewPostgresRepository creates a repository on top of a pgx pool.
func NewPostgresRepository(db querier) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new image and sets its generated ID and creation time.
func (r *PostgresRepository) Create(ctx context.Context, img *Image) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO images (storage_key, original_filename, owner_id, size_bytes, content_type, ai_description)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		img.StorageKey, img.OriginalFilename, img.OwnerID, img.SizeBytes, img.ContentType, img.AIDescription,
	).Scan(&img.ID, &img.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// Delete removes the image only when it belongs to ownerID.
func (r *PostgresRepository) Delete(ctx context.Context, id, ownerID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM images WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if isInvalidText(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByID fetches an image regardless of owner.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Image, error) {
	img, err := scanImage(r.db.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		return nil, wrapFindErr("find image by id", err)
	}
	return img, nil
}

// FindByIDAndOwner fetches an image only if ownerID owns it.
func (r *PostgresRepository) FindByIDAndOwner(ctx context.Context, id, ownerID string) (*Image, error) {
	img, err := scanImage(r.db.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if err != nil {
		return nil, wrapFindErr("find image by id and owner", err)
	}
	return img, nil
}

// ListByOwner returns every image owned by ownerID in upload order.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]Image, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := []Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

func scanImage(row pgx.Row) (*Image, error) {
	img := &Image{}
	err := row.Scan(&img.ID, &img.StorageKey, &img.OriginalFilename, &img.OwnerID,
		&img.SizeBytes, &img.ContentType, &img.CreatedAt, &img.AIDescription)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func wrapFindErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isInvalidText reports a PostgreSQL invalid_text_representation (22P02), raised
// when a malformed UUID is compared against the id column.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

var _ Repository = (*PostgresRepository)(nil)
