package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/livedoc/internal/fault"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Load returns the resident copy or rebuilds the record from the base
// and the log.
func (s *SQLite) Load(ctx context.Context, key Key) (*Loaded, error) {
	if rec, ok := s.resident.get(key); ok {
		return &Loaded{Record: rec, Seq: seqOf(rec)}, nil
	}
	h, err := s.History(ctx, key)
	if err != nil {
		return nil, err
	}
	rec, err := Replay(h)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "load").WithKey(key.String())
	}
	s.resident.put(key, rec)
	return &Loaded{Record: rec, Seq: seqOf(rec), Reads: len(h.Patches)}, nil
}

// History reads the base and every patch after it.
// Query includes ORDER BY end_seq for deterministic results.
func (s *SQLite) History(ctx context.Context, key Key) (*History, error) {
	var h *History
	err := retryOp(ctx, defaultRetryConfig, func() error {
		var err error
		h, err = readHistory(ctx, s.db, key)
		return err
	})
	if err != nil {
		return nil, storageErr(err, "history", key)
	}
	return h, nil
}

func readHistory(ctx context.Context, q querier, key Key) (*History, error) {
	var baseSeq int64
	var baseText string
	err := q.QueryRowContext(ctx, `
		SELECT base_seq, base FROM documents WHERE space = ? AND key = ?
	`, key.Space, key.Key).Scan(&baseSeq, &baseText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "no document")
	}
	if err != nil {
		return nil, fmt.Errorf("read base: %w", err)
	}
	base, err := unmarshalObject(baseText)
	if err != nil {
		return nil, err
	}
	patches, err := queryPatches(ctx, q, key, baseSeq)
	if err != nil {
		return nil, err
	}
	return &History{Base: base, BaseSeq: baseSeq, Patches: patches}, nil
}

func queryPatches(ctx context.Context, q querier, key Key, after int64) ([]Patch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT start_seq, end_seq, forward, reverse FROM patches
		WHERE space = ? AND key = ? AND end_seq > ?
		ORDER BY end_seq ASC
	`, key.Space, key.Key, after)
	if err != nil {
		return nil, fmt.Errorf("query patches: %w", err)
	}
	defer rows.Close()

	var out []Patch
	for rows.Next() {
		var p Patch
		var forward string
		var reverse sql.NullString
		if err := rows.Scan(&p.Start, &p.End, &forward, &reverse); err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		if p.Forward, err = unmarshalObject(forward); err != nil {
			return nil, err
		}
		if reverse.Valid {
			if p.Reverse, err = unmarshalObject(reverse.String); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patches: %w", err)
	}
	return out, nil
}

// Inventory lists every stored document.
func (s *SQLite) Inventory(ctx context.Context) ([]Key, error) {
	var keys []Key
	err := retryOp(ctx, defaultRetryConfig, func() error {
		keys = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT space, key FROM documents ORDER BY space ASC, key ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k Key
			if err := rows.Scan(&k.Space, &k.Key); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "inventory")
	}
	return keys, nil
}

// Stats reports how many documents and patches the database holds.
func (s *SQLite) Stats(ctx context.Context) (docs, patches int64, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&docs); err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patches`).Scan(&patches); err != nil {
		return 0, 0, fmt.Errorf("count patches: %w", err)
	}
	return docs, patches, nil
}
