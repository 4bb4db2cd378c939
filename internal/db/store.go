// Package db implements the engine's store contract on postgres via pgx.
// Session mutations run inside one transaction holding the user's row lock,
// so classifications for the same user serialize while everything else
// proceeds in parallel.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"schoolpass/tagging/internal/engine"
)

type Store struct {
	Pool    *pgxpool.Pool
	Queries *Queries
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, Queries: New(pool)}
}

func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	queries := s.Queries.WithTx(tx)
	if err := fn(queries); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// mapStoreError folds driver failures into the engine taxonomy. Engine
// sentinels pass through untouched; serialization and deadlock failures
// become state conflicts; anything else is a store outage for the caller.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		engine.ErrUnregisteredTag,
		engine.ErrTagAlreadyLinked,
		engine.ErrNoActiveSession,
		engine.ErrStateConflict,
		engine.ErrInvalidInput,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return engine.ErrStateConflict
		}
	}
	return fmt.Errorf("%w: %v", engine.ErrStoreUnavailable, err)
}
