package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

// Init writes the first patch as the document's base.
func (s *SQLite) Init(ctx context.Context, key Key, p Patch) error {
	base, err := marshalObject(value.Merge(value.Object{}, p.Forward))
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "init").WithKey(key.String())
	}
	forward, err := marshalObject(p.Forward)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "init").WithKey(key.String())
	}

	var inserted int64
	err = retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO documents
			(space, key, seq, base_seq, base, last_start, last_end, last_forward)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(space, key) DO NOTHING
		`, key.Space, key.Key, p.End, p.End, base, p.Start, p.End, forward)
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "init").WithKey(key.String())
	}
	if inserted == 0 {
		return fault.New(fault.AlreadyExists, "document already exists").WithKey(key.String())
	}
	return nil
}

// Patch appends p under the seq precondition in one transaction.
func (s *SQLite) Patch(ctx context.Context, key Key, p Patch) error {
	forward, err := marshalObject(p.Forward)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "patch").WithKey(key.String())
	}
	var reverse sql.NullString
	if p.Reverse != nil {
		text, err := marshalObject(p.Reverse)
		if err != nil {
			return fault.Wrap(fault.StorageFailure, err, "patch").WithKey(key.String())
		}
		reverse = sql.NullString{String: text, Valid: true}
	}

	err = retryOp(ctx, defaultRetryConfig, func() error {
		return s.patchTx(ctx, key, p, forward, reverse)
	})
	if err != nil {
		if fault.Is(err, fault.SeqMismatch) {
			s.resident.drop(key)
		}
		var fe *fault.Error
		if errors.As(err, &fe) {
			return fe.WithKey(key.String())
		}
		return fault.Wrap(fault.StorageFailure, err, "patch").WithKey(key.String())
	}
	s.resident.advance(key, p)
	return nil
}

func (s *SQLite) patchTx(ctx context.Context, key Key, p Patch, forward string, reverse sql.NullString) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var seq, lastStart, lastEnd int64
	var lastForward string
	err = tx.QueryRowContext(ctx, `
		SELECT seq, last_start, last_end, last_forward FROM documents
		WHERE space = ? AND key = ?
	`, key.Space, key.Key).Scan(&seq, &lastStart, &lastEnd, &lastForward)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.NotFound, "no document")
	}
	if err != nil {
		return fmt.Errorf("read seq: %w", err)
	}

	if p.Start != seq+1 {
		if p.Start == lastStart && p.End == lastEnd && forward == lastForward {
			return nil
		}
		var held string
		err := tx.QueryRowContext(ctx, `
			SELECT forward FROM patches
			WHERE space = ? AND key = ? AND start_seq = ? AND end_seq = ?
		`, key.Space, key.Key, p.Start, p.End).Scan(&held)
		if err == nil && held == forward {
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read patch: %w", err)
		}
		return fault.New(fault.SeqMismatch, "patch %d-%d does not follow seq %d", p.Start, p.End, seq)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patches (space, key, start_seq, end_seq, forward, reverse)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key.Space, key.Key, p.Start, p.End, forward, reverse); err != nil {
		return fmt.Errorf("insert patch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET seq = ?, last_start = ?, last_end = ?, last_forward = ?
		WHERE space = ? AND key = ?
	`, p.End, p.Start, p.End, forward, key.Space, key.Key); err != nil {
		return fmt.Errorf("update seq: %w", err)
	}
	if !reverse.Valid {
		if err := compactTx(ctx, tx, key, 0); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Compact folds the log into the base until at most keep patches remain.
func (s *SQLite) Compact(ctx context.Context, key Key, keep int) error {
	err := retryOp(ctx, defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := compactTx(ctx, tx, key, keep); err != nil {
			return err
		}
		return tx.Commit()
	})
	return storageErr(err, "compact", key)
}

// Snapshot folds the whole log into the base and returns it.
func (s *SQLite) Snapshot(ctx context.Context, key Key) (value.Object, error) {
	if err := s.Compact(ctx, key, 0); err != nil {
		return nil, err
	}
	h, err := s.History(ctx, key)
	if err != nil {
		return nil, err
	}
	return h.Base, nil
}

func compactTx(ctx context.Context, tx *sql.Tx, key Key, keep int) error {
	if keep < 0 {
		keep = 0
	}
	var seq, baseSeq int64
	var baseText string
	err := tx.QueryRowContext(ctx, `
		SELECT seq, base_seq, base FROM documents WHERE space = ? AND key = ?
	`, key.Space, key.Key).Scan(&seq, &baseSeq, &baseText)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.NotFound, "no document")
	}
	if err != nil {
		return fmt.Errorf("read base: %w", err)
	}
	target := seq - int64(keep)
	if target <= baseSeq {
		return nil
	}

	base, err := unmarshalObject(baseText)
	if err != nil {
		return err
	}
	patches, err := queryPatches(ctx, tx, key, baseSeq)
	if err != nil {
		return err
	}
	base, baseSeq, _ = fold(base, baseSeq, patches, target)

	text, err := marshalObject(base)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET base = ?, base_seq = ? WHERE space = ? AND key = ?
	`, text, baseSeq, key.Space, key.Key); err != nil {
		return fmt.Errorf("update base: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM patches WHERE space = ? AND key = ? AND end_seq <= ?
	`, key.Space, key.Key, baseSeq); err != nil {
		return fmt.Errorf("delete folded patches: %w", err)
	}
	return nil
}

// Recover replaces the document with record, dropping its log.
func (s *SQLite) Recover(ctx context.Context, key Key, record value.Object) error {
	text, err := marshalObject(record)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "recover").WithKey(key.String())
	}
	seq := seqOf(record)
	err = retryOp(ctx, defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM patches WHERE space = ? AND key = ?`, key.Space, key.Key); err != nil {
			return fmt.Errorf("drop log: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (space, key, seq, base_seq, base)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(space, key) DO UPDATE SET
				seq = excluded.seq, base_seq = excluded.base_seq, base = excluded.base,
				last_start = 0, last_end = 0, last_forward = '{}'
		`, key.Space, key.Key, seq, seq, text); err != nil {
			return fmt.Errorf("write base: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return storageErr(err, "recover", key)
	}
	s.resident.put(key, record)
	return nil
}

// Delete removes the document and its log.
func (s *SQLite) Delete(ctx context.Context, key Key) error {
	var n int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE space = ? AND key = ?`, key.Space, key.Key)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return storageErr(err, "delete", key)
	}
	s.resident.drop(key)
	if n == 0 {
		return fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	return nil
}

func (s *SQLite) Close(ctx context.Context, key Key) error {
	s.resident.drop(key)
	return nil
}

func (s *SQLite) Shed(ctx context.Context, key Key) error {
	s.resident.drop(key)
	return nil
}

// storageErr keeps coded failures and wraps the rest as StorageFailure.
func storageErr(err error, op string, key Key) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.WithKey(key.String())
	}
	return fault.Wrap(fault.StorageFailure, err, "%s", op).WithKey(key.String())
}
