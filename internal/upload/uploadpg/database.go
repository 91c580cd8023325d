package uploadpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/upload"
)

var _ upload.Database = (*Database)(nil)

type Database struct {
	pool *pgxpool.Pool // required
}

func NewDatabase(pool *pgxpool.Pool) *Database {
	return &Database{pool: pool}
}

// GetUser implements upload.Database.
func (d *Database) GetUser(ctx context.Context, id uuid.UUID) (*upload.User, error) {
	query := `
		SELECT id, name, created_at
		FROM users
		WHERE id = $1
	`
	args := []any{id}

	rows, _ := d.pool.Query(ctx, query, args...)
	u, err := pgx.CollectExactlyOneRow(rows, rowToUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, upload.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

// GetVersion implements upload.Database.
func (d *Database) GetVersion(ctx context.Context, id uuid.UUID) (*upload.Version, error) {
	query := `
		SELECT
			v.id, v.model_id, m.name AS model_name, v.name,
			v.built,
			v.raw_binary_path, v.raw_code_path, v.raw_docker_path,
			v.seldon_version,
			v.created_at
		FROM versions v
		JOIN models m ON m.id = v.model_id
		WHERE v.id = $1
	`
	args := []any{id}

	rows, _ := d.pool.Query(ctx, query, args...)
	v, err := pgx.CollectExactlyOneRow(rows, rowToVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, upload.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}

	return v, nil
}

// MarkVersionBuilt implements upload.Database.
func (d *Database) MarkVersionBuilt(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE versions
		SET built = true, updated_at = now()
		WHERE id = $1
	`
	args := []any{id}

	tag, err := d.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark version built: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return upload.ErrNotFound
	}

	return nil
}

// Append implements build.LogSink.
func (d *Database) Append(ctx context.Context, entry *build.LogEntry) error {
	query := `
		INSERT INTO version_logs (version_id, run_id, seq, step, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	args := []any{entry.VersionID, entry.RunID, entry.Seq, entry.Step, string(entry.Level), entry.Message, entry.Time}

	_, err := d.pool.Exec(ctx, query, args...)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return upload.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	return nil
}

// ListLogs returns the log of a version, oldest first.
func (d *Database) ListLogs(ctx context.Context, versionID uuid.UUID) ([]*build.LogEntry, error) {
	query := `
		SELECT version_id, run_id, seq, step, level, message, created_at
		FROM version_logs
		WHERE version_id = $1
		ORDER BY id ASC
	`
	args := []any{versionID}

	rows, _ := d.pool.Query(ctx, query, args...)
	entries, err := pgx.CollectRows(rows, rowToLogEntry)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}

	return entries, nil
}

// LockVersion implements upload.Database.
// It holds a session advisory lock on a dedicated connection until unlock is called.
func (d *Database) LockVersion(ctx context.Context, id uuid.UUID) (func(), error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock version: %w", err)
	}

	query := `SELECT pg_advisory_lock(hashtextextended($1, 0))`
	args := []any{"version:" + id.String()}

	if _, err = conn.Exec(ctx, query, args...); err != nil {
		conn.Release()
		return nil, fmt.Errorf("lock version: %w", err)
	}

	unlock := func() {
		query := `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
		if _, err := conn.Exec(context.Background(), query, args...); err != nil {
			slog.Default().Error("didn't unlock version", "version_id", id, "err", err)
			// The lock lives as long as the session, so the session must go.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return unlock, nil
}

type DatabaseEnsureUserParams struct {
	Name string
}

// EnsureUser returns the user with the name, creating it if needed.
func (d *Database) EnsureUser(ctx context.Context, params *DatabaseEnsureUserParams) (*upload.User, error) {
	query := `
		INSERT INTO users (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`
	args := []any{params.Name}

	rows, _ := d.pool.Query(ctx, query, args...)
	u, err := pgx.CollectExactlyOneRow(rows, rowToUser)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	return u, nil
}

type DatabaseEnsureModelParams struct {
	OwnerID uuid.UUID
	Name    string
}

// EnsureModel returns the ID of the model with the name, creating it if needed.
func (d *Database) EnsureModel(ctx context.Context, params *DatabaseEnsureModelParams) (uuid.UUID, error) {
	query := `
		INSERT INTO models (owner_id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	args := []any{params.OwnerID, params.Name}

	rows, _ := d.pool.Query(ctx, query, args...)
	id, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return uuid.Nil, upload.ErrNotFound
	} else if err != nil {
		return uuid.Nil, fmt.Errorf("ensure model: %w", err)
	}

	return id, nil
}

type DatabaseCreateVersionParams struct {
	ModelID      uuid.UUID
	Name         string
	Files        upload.VersionFiles
	BuildOptions upload.BuildOptions
}

var ErrVersionExists = errors.New("version already exists")

// CreateVersion creates a version that isn't built yet.
func (d *Database) CreateVersion(ctx context.Context, params *DatabaseCreateVersionParams) (*upload.Version, error) {
	query := `
		WITH v AS (
			INSERT INTO versions (model_id, name, raw_binary_path, raw_code_path, raw_docker_path, seldon_version)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING *
		)
		SELECT
			v.id, v.model_id, m.name AS model_name, v.name,
			v.built,
			v.raw_binary_path, v.raw_code_path, v.raw_docker_path,
			v.seldon_version,
			v.created_at
		FROM v
		JOIN models m ON m.id = v.model_id
	`
	args := []any{
		params.ModelID, params.Name,
		params.Files.RawBinaryPath, params.Files.RawCodePath, params.Files.RawDockerPath,
		params.BuildOptions.SeldonVersion,
	}

	rows, _ := d.pool.Query(ctx, query, args...)
	v, err := pgx.CollectExactlyOneRow(rows, rowToVersion)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return nil, ErrVersionExists
		case pgerrcode.ForeignKeyViolation:
			return nil, upload.ErrNotFound
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	return v, nil
}
