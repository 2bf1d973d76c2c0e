// Package rowstore implements the owner-scoped remote entry table: an
// in-process map for tests and single-node use, and Postgres.
package rowstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entries"
)

var (
	ErrUnavailable    = errors.New("row store unavailable")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is the remote row contract. Every call is scoped to owner; rows
// belonging to another owner are invisible and never modified.
type Store interface {
	Select(ctx context.Context, owner string) ([]entries.Entry, error)
	Insert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error)
	Upsert(ctx context.Context, owner string, rows []entries.Row) ([]entries.Entry, error)
	Update(ctx context.Context, owner, id string, patch entries.Patch) (entries.Entry, error)
	Delete(ctx context.Context, owner, id string) error
	Close() error
}

func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(MemoryOptions{}), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(MemoryOptions{}), nil
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "sqlite", "mysql":
		return nil, fmt.Errorf("%w: row store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported row store scheme: %s", scheme)
	}
}

func validateOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", entries.ErrInvalidInput)
	}
	return nil
}
