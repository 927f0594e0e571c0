package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplevariants.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// handlePostgresError maps driver errors onto the package sentinels.
func (r *Repository) handlePostgresError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", operation, simplevariants.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %s: %w", operation, pgErr.ConstraintName, simplevariants.ErrAlreadyExists)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: referenced record not found: %w", operation, simplevariants.ErrNotFound)
		case "23514": // check_violation
			return fmt.Errorf("%s: %s: %w", operation, pgErr.ConstraintName, simplevariants.ErrInvalidArgument)
		case "42P01": // undefined_table
			return fmt.Errorf("%s: table does not exist - database migration required", operation)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

func toInt32s(sizes []simplevariants.SizeClass) []int32 {
	out := make([]int32, len(sizes))
	for i, size := range sizes {
		out[i] = int32(size)
	}
	return out
}

func fromInt32s(values []int32) []simplevariants.SizeClass {
	out := make([]simplevariants.SizeClass, len(values))
	for i, v := range values {
		out[i] = simplevariants.SizeClass(v)
	}
	return out
}

// Size class catalog

func (r *Repository) CreateSizeClass(ctx context.Context, size simplevariants.SizeClass) error {
	_, err := r.db.Exec(ctx, `INSERT INTO size_class (size) VALUES ($1)`, int32(size))
	if err != nil {
		return r.handlePostgresError("create size class", err)
	}
	return nil
}

func (r *Repository) ListSizeClassCatalog(ctx context.Context) ([]simplevariants.SizeClass, error) {
	rows, err := r.db.Query(ctx, `SELECT size FROM size_class ORDER BY size`)
	if err != nil {
		return nil, r.handlePostgresError("list size classes", err)
	}
	sizes, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, r.handlePostgresError("scan size classes", err)
	}
	return fromInt32s(sizes), nil
}

// Plans

func (r *Repository) CreatePlan(ctx context.Context, plan *simplevariants.Plan) error {
	sizes := toInt32s(plan.SizeClasses)

	var registered int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM size_class WHERE size = ANY($1)`, sizes).Scan(&registered)
	if err != nil {
		return r.handlePostgresError("check plan size classes", err)
	}
	if registered != simplevariants.NewSizeSet(plan.SizeClasses...).Len() {
		return fmt.Errorf("%w: plan %q references unregistered size classes", simplevariants.ErrInvalidArgument, plan.Name)
	}

	query := `
		INSERT INTO plan (
			id, name, size_classes, allow_original, allow_expiring_link, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(ctx, query,
		plan.ID, plan.Name, sizes, plan.AllowOriginal, plan.AllowExpiringLink,
		plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create plan", err)
	}
	return nil
}

const planColumns = `id, name, size_classes, allow_original, allow_expiring_link, created_at, updated_at`

func scanPlan(row pgx.Row) (*simplevariants.Plan, error) {
	var plan simplevariants.Plan
	var sizes []int32
	if err := row.Scan(
		&plan.ID, &plan.Name, &sizes, &plan.AllowOriginal, &plan.AllowExpiringLink,
		&plan.CreatedAt, &plan.UpdatedAt); err != nil {
		return nil, err
	}
	plan.SizeClasses = fromInt32s(sizes)
	return &plan, nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*simplevariants.Plan, error) {
	plan, err := scanPlan(r.db.QueryRow(ctx, `SELECT `+planColumns+` FROM plan WHERE id = $1`, id))
	if err != nil {
		return nil, r.handlePostgresError(fmt.Sprintf("get plan %s", id), err)
	}
	return plan, nil
}

func (r *Repository) ListPlans(ctx context.Context) ([]*simplevariants.Plan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+planColumns+` FROM plan ORDER BY name`)
	if err != nil {
		return nil, r.handlePostgresError("list plans", err)
	}
	defer rows.Close()

	plans := []*simplevariants.Plan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan plan", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("iterate plan rows", err)
	}
	return plans, nil
}

// Accounts

func (r *Repository) CreateAccount(ctx context.Context, account *simplevariants.Account) error {
	query := `
		INSERT INTO account (id, email, name, plan_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		account.ID, account.Email, account.Name, account.PlanID, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create account", err)
	}
	return nil
}

func (r *Repository) GetAccount(ctx context.Context, id uuid.UUID) (*simplevariants.Account, error) {
	query := `SELECT id, email, name, plan_id, created_at, updated_at FROM account WHERE id = $1`

	var account simplevariants.Account
	err := r.db.QueryRow(ctx, query, id).Scan(
		&account.ID, &account.Email, &account.Name, &account.PlanID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, r.handlePostgresError(fmt.Sprintf("get account %s", id), err)
	}
	return &account, nil
}

// ListAccounts returns accounts oldest first. A non-positive limit returns
// every account after offset.
func (r *Repository) ListAccounts(ctx context.Context, limit, offset int) ([]*simplevariants.Account, error) {
	query := `
		SELECT id, email, name, plan_id, created_at, updated_at FROM account
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2`

	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := r.db.Query(ctx, query, limitArg, offset)
	if err != nil {
		return nil, r.handlePostgresError("list accounts", err)
	}
	defer rows.Close()

	accounts := []*simplevariants.Account{}
	for rows.Next() {
		var account simplevariants.Account
		if err := rows.Scan(&account.ID, &account.Email, &account.Name, &account.PlanID, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, r.handlePostgresError("scan account", err)
		}
		accounts = append(accounts, &account)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list accounts", err)
	}
	return accounts, nil
}

func (r *Repository) UpdateAccount(ctx context.Context, account *simplevariants.Account) error {
	query := `
		UPDATE account SET email = $2, name = $3, plan_id = $4, updated_at = $5
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		account.ID, account.Email, account.Name, account.PlanID, account.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", account.ID, simplevariants.ErrNotFound)
	}
	return nil
}

// Source images

const imageColumns = `id, owner_id, storage_backend, object_key, file_name, mime_type, size_bytes, created_at`

func scanImage(row pgx.Row) (*simplevariants.SourceImage, error) {
	var image simplevariants.SourceImage
	if err := row.Scan(
		&image.ID, &image.OwnerID, &image.StorageBackend, &image.ObjectKey,
		&image.FileName, &image.MimeType, &image.SizeBytes, &image.CreatedAt); err != nil {
		return nil, err
	}
	return &image, nil
}

func (r *Repository) CreateImage(ctx context.Context, image *simplevariants.SourceImage) error {
	query := `
		INSERT INTO source_image (` + imageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		image.ID, image.OwnerID, image.StorageBackend, image.ObjectKey,
		image.FileName, image.MimeType, image.SizeBytes, image.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create image", err)
	}
	return nil
}

func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (*simplevariants.SourceImage, error) {
	image, err := scanImage(r.db.QueryRow(ctx, `SELECT `+imageColumns+` FROM source_image WHERE id = $1`, id))
	if err != nil {
		return nil, r.handlePostgresError(fmt.Sprintf("get image %s", id), err)
	}
	return image, nil
}

func (r *Repository) ListImagesByOwner(ctx context.Context, ownerID uuid.UUID) ([]*simplevariants.SourceImage, error) {
	query := `SELECT ` + imageColumns + ` FROM source_image WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, r.handlePostgresError("list images", err)
	}
	defer rows.Close()

	images := []*simplevariants.SourceImage{}
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan image", err)
		}
		images = append(images, image)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("iterate image rows", err)
	}
	return images, nil
}

// Variant store

const variantColumns = `image_id, size_class, storage_backend, object_key, size_bytes, created_at, updated_at`

func scanVariant(row pgx.Row) (*simplevariants.Variant, error) {
	var v simplevariants.Variant
	var size int32
	if err := row.Scan(
		&v.ImageID, &size, &v.StorageBackend, &v.ObjectKey, &v.SizeBytes, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.SizeClass = simplevariants.SizeClass(size)
	return &v, nil
}

func (r *Repository) ListSizeClasses(ctx context.Context, imageID uuid.UUID) (simplevariants.SizeSet, error) {
	rows, err := r.db.Query(ctx, `SELECT size_class FROM image_variant WHERE image_id = $1`, imageID)
	if err != nil {
		return nil, r.handlePostgresError("list variant sizes", err)
	}
	sizes, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, r.handlePostgresError("scan variant sizes", err)
	}
	return simplevariants.NewSizeSet(fromInt32s(sizes)...), nil
}

func (r *Repository) ListVariants(ctx context.Context, imageID uuid.UUID) ([]*simplevariants.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM image_variant WHERE image_id = $1 ORDER BY size_class`

	rows, err := r.db.Query(ctx, query, imageID)
	if err != nil {
		return nil, r.handlePostgresError("list variants", err)
	}
	defer rows.Close()

	variants := []*simplevariants.Variant{}
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan variant", err)
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("iterate variant rows", err)
	}
	return variants, nil
}

func (r *Repository) GetVariant(ctx context.Context, imageID uuid.UUID, size simplevariants.SizeClass) (*simplevariants.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM image_variant WHERE image_id = $1 AND size_class = $2`

	v, err := scanVariant(r.db.QueryRow(ctx, query, imageID, int32(size)))
	if err != nil {
		return nil, r.handlePostgresError(fmt.Sprintf("get variant %s/%d", imageID, size), err)
	}
	return v, nil
}

// UpsertVariant keeps one row per (image_id, size_class); a second write
// replaces the blob reference and preserves created_at.
func (r *Repository) UpsertVariant(ctx context.Context, variant *simplevariants.Variant) error {
	query := `
		INSERT INTO image_variant (` + variantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (image_id, size_class) DO UPDATE SET
			storage_backend = EXCLUDED.storage_backend,
			object_key = EXCLUDED.object_key,
			size_bytes = EXCLUDED.size_bytes,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query,
		variant.ImageID, int32(variant.SizeClass), variant.StorageBackend, variant.ObjectKey,
		variant.SizeBytes, variant.CreatedAt, variant.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("upsert variant", err)
	}
	return nil
}

func (r *Repository) RemoveVariant(ctx context.Context, imageID uuid.UUID, size simplevariants.SizeClass) error {
	_, err := r.db.Exec(ctx, `DELETE FROM image_variant WHERE image_id = $1 AND size_class = $2`, imageID, int32(size))
	if err != nil {
		return r.handlePostgresError("remove variant", err)
	}
	return nil
}

// Expiring artifacts

func (r *Repository) CreateArtifact(ctx context.Context, artifact *simplevariants.ExpiringArtifact) error {
	query := `
		INSERT INTO expiring_artifact (id, image_id, storage_backend, object_key, duration_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(ctx, query,
		artifact.ID, artifact.ImageID, artifact.StorageBackend, artifact.ObjectKey,
		artifact.DurationSeconds, artifact.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create link", err)
	}
	return nil
}

func (r *Repository) GetArtifact(ctx context.Context, id uuid.UUID) (*simplevariants.ExpiringArtifact, error) {
	query := `
		SELECT id, image_id, storage_backend, object_key, duration_seconds, created_at
		FROM expiring_artifact WHERE id = $1`

	var a simplevariants.ExpiringArtifact
	err := r.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.ImageID, &a.StorageBackend, &a.ObjectKey, &a.DurationSeconds, &a.CreatedAt)
	if err != nil {
		return nil, r.handlePostgresError(fmt.Sprintf("get link %s", id), err)
	}
	return &a, nil
}

// Entitlement snapshots

func (r *Repository) GetSnapshot(ctx context.Context, accountID uuid.UUID) (*simplevariants.EntitlementSnapshot, error) {
	query := `
		SELECT account_id, plan_id, size_classes, allow_original, allow_expiring_link, version, observed_at
		FROM entitlement_snapshot WHERE account_id = $1`

	var s simplevariants.EntitlementSnapshot
	var sizes []int32
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&s.AccountID, &s.PlanID, &sizes, &s.Entitlement.AllowOriginal, &s.Entitlement.AllowExpiringLink,
		&s.Version, &s.ObservedAt)
	if err != nil {
		return nil, r.handlePostgresError(fmt.Sprintf("get snapshot %s", accountID), err)
	}
	s.Entitlement.SizeClasses = simplevariants.NewSizeSet(fromInt32s(sizes)...)
	return &s, nil
}

// SaveSnapshot inserts the first version or updates the row only while its
// version still matches snapshot.Version.
func (r *Repository) SaveSnapshot(ctx context.Context, snapshot *simplevariants.EntitlementSnapshot) error {
	sizes := toInt32s(snapshot.Entitlement.SizeClasses.Sorted())
	next := snapshot.Version + 1

	var (
		tag pgconn.CommandTag
		err error
	)
	if snapshot.Version == 0 {
		tag, err = r.db.Exec(ctx, `
			INSERT INTO entitlement_snapshot (
				account_id, plan_id, size_classes, allow_original, allow_expiring_link, version, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (account_id) DO NOTHING`,
			snapshot.AccountID, snapshot.PlanID, sizes, snapshot.Entitlement.AllowOriginal,
			snapshot.Entitlement.AllowExpiringLink, next, snapshot.ObservedAt)
	} else {
		tag, err = r.db.Exec(ctx, `
			UPDATE entitlement_snapshot SET
				plan_id = $2, size_classes = $3, allow_original = $4,
				allow_expiring_link = $5, version = $6, observed_at = $7
			WHERE account_id = $1 AND version = $8`,
			snapshot.AccountID, snapshot.PlanID, sizes, snapshot.Entitlement.AllowOriginal,
			snapshot.Entitlement.AllowExpiringLink, next, snapshot.ObservedAt, snapshot.Version)
	}
	if err != nil {
		return r.handlePostgresError("save snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("snapshot %s at version %d: %w", snapshot.AccountID, snapshot.Version, simplevariants.ErrSnapshotConflict)
	}
	snapshot.Version = next
	return nil
}

// SetSearchPath returns a pgxpool AfterConnect hook that pins every
// connection to schema.
func SetSearchPath(schema string) func(context.Context, *pgx.Conn) error {
	return func(ctx context.Context, conn *pgx.Conn) error {
		if schema == "" {
			return nil
		}
		_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
		return err
	}
}

// EnsureSchema creates schema if it does not exist.
func EnsureSchema(ctx context.Context, db DBTX, schema string) error {
	if schema == "" {
		return nil
	}
	if _, err := db.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("ensure schema %s: %w", schema, err)
	}
	return nil
}
