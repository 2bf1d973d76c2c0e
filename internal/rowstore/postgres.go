package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresEntriesTableName = "drinklog_entries"
	postgresOperationTimeout = 5 * time.Second
	postgresUniqueViolation  = "23505"
)

const entryColumns = "id, user_id, consumed_at, category, size_l, custom_name, abv_percent, note, created_at, updated_at"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Postgres struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, entries.ErrInvalidInput
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresEntriesTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (p *Postgres) Select(ctx context.Context, owner string) ([]entries.Entry, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY consumed_at DESC", entryColumns, p.table())
	rows, err := p.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	out := make([]entries.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Insert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+entryColumns, p.table())
	return p.writeRows(ctx, owner, rows, query)
}

// Upsert never takes over a row owned by someone else: the conflict
// update is guarded by user_id, and a guarded-out row returns nothing.
func (p *Postgres) Upsert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error) {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			consumed_at = EXCLUDED.consumed_at,
			category = EXCLUDED.category,
			size_l = EXCLUDED.size_l,
			custom_name = EXCLUDED.custom_name,
			abv_percent = EXCLUDED.abv_percent,
			note = EXCLUDED.note,
			updated_at = EXCLUDED.updated_at
		WHERE %[1]s.user_id = EXCLUDED.user_id
		RETURNING `+entryColumns, p.table())
	return p.writeRows(ctx, owner, rows, query)
}

func (p *Postgres) writeRows(ctx context.Context, owner string, rows []entries.Row, query string) ([]entries.Entry, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := p.now().UTC()
	out := make([]entries.Entry, 0, len(rows))
	for _, row := range rows {
		id := row.ID
		if id == "" {
			id = uuid.NewString()
		}
		e, err := scanEntry(tx.QueryRowContext(ctx, query,
			id, owner, row.ConsumedAt.UTC(), string(row.Category), row.SizeL,
			nullString(row.CustomName), nullFloat(row.AbvPercent), nullString(row.Note), now))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %s belongs to another owner", entries.ErrConflict, id)
		}
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPostgresError(err)
	}
	return out, nil
}

func (p *Postgres) Update(ctx context.Context, owner, id string, patch entries.Patch) (entries.Entry, error) {
	if err := p.ensureReady(); err != nil {
		return entries.Entry{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return entries.Entry{}, mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND user_id = $2 FOR UPDATE", entryColumns, p.table())
	existing, err := scanEntry(tx.QueryRowContext(ctx, selectQuery, id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return entries.Entry{}, fmt.Errorf("%w: %s", entries.ErrNotFound, id)
	}
	if err != nil {
		return entries.Entry{}, mapPostgresError(err)
	}

	updated := existing.Apply(patch)
	updated.UpdatedAt = p.now().UTC()
	updateQuery := fmt.Sprintf(`
		UPDATE %s SET consumed_at = $3, category = $4, size_l = $5,
			custom_name = $6, abv_percent = $7, note = $8, updated_at = $9
		WHERE id = $1 AND user_id = $2`, p.table())
	if _, err := tx.ExecContext(ctx, updateQuery,
		id, owner, updated.ConsumedAt.UTC(), string(updated.Category), updated.SizeL,
		nullString(updated.CustomName), nullFloat(updated.AbvPercent), nullString(updated.Note), updated.UpdatedAt); err != nil {
		return entries.Entry{}, mapPostgresError(err)
	}
	if err := tx.Commit(); err != nil {
		return entries.Entry{}, mapPostgresError(err)
	}
	return updated, nil
}

func (p *Postgres) Delete(ctx context.Context, owner, id string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND user_id = $2", p.table())
	_, err := p.db.ExecContext(ctx, query, id, owner)
	return mapPostgresError(err)
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) table() string {
	return postgresQuoteIdentifier(p.tableName)
}

func (p *Postgres) ensureReady() error {
	if p == nil {
		return entries.ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					consumed_at TIMESTAMPTZ NOT NULL,
					category TEXT NOT NULL,
					size_l DOUBLE PRECISION NOT NULL,
					custom_name TEXT NULL,
					abv_percent DOUBLE PRECISION NULL,
					note TEXT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, p.table()),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (user_id, consumed_at DESC)",
				postgresQuoteIdentifier(p.tableName+"_owner_idx"), p.table()),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = err
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (entries.Entry, error) {
	var (
		e          entries.Entry
		category   string
		customName sql.NullString
		abv        sql.NullFloat64
		note       sql.NullString
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.ConsumedAt, &category, &e.SizeL,
		&customName, &abv, &note, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return entries.Entry{}, err
	}
	e.Category = entries.Category(category)
	if customName.Valid {
		e.CustomName = entries.String(customName.String)
	}
	if abv.Valid {
		e.AbvPercent = entries.Float(abv.Float64)
	}
	if note.Valid {
		e.Note = entries.String(note.String)
	}
	e.ConsumedAt = e.ConsumedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolation {
		return fmt.Errorf("%w: %s", entries.ErrConflict, pqErr.Message)
	}
	return err
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
