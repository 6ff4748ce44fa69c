// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/cadenzalab/cadenza/services/composer/score"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

const (
	projectPrefix = "ledger:project:"
	countPrefix   = "ledger:count:"
	versionPrefix = "ledger:version:"
	fpPrefix      = "ledger:fp:"
)

func projectKey(projectID string) []byte {
	return []byte(projectPrefix + projectID)
}

func countKey(projectID string) []byte {
	return []byte(countPrefix + projectID)
}

// versionKey encodes the number big-endian so badger's byte-ordered
// iteration walks versions in sequence order.
func versionKey(projectID string, number uint64) []byte {
	key := make([]byte, 0, len(versionPrefix)+len(projectID)+9)
	key = append(key, versionPrefix...)
	key = append(key, projectID...)
	key = append(key, ':')
	return binary.BigEndian.AppendUint64(key, number)
}

func fpKey(projectID, fingerprint string) []byte {
	return []byte(fpPrefix + projectID + ":" + fingerprint)
}

// Ledger is the badger-backed version history for all projects.
//
// Thread Safety: safe for concurrent use. Appends are serialized per
// project by optimistic transaction conflict on the count key.
type Ledger struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

// New creates a Ledger over the shared database.
func New(db *badgerdb.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger.With(slog.String("component", "ledger"))}
}

// CreateProject registers a new project from a composition spec.
//
// Outputs:
//
//	*Project - The created project with its generated id and spec hash.
//	error - Validation or storage errors; ErrProjectExists for id reuse.
func (l *Ledger) CreateProject(ctx context.Context, name string, spec score.Spec) (*Project, error) {
	specHash, err := spec.Hash()
	if err != nil {
		return nil, err
	}

	proj := &Project{
		ID:             uuid.NewString(),
		Name:           name,
		Spec:           spec,
		SpecHash:       specHash,
		CreatedAtMilli: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(proj)
	if err != nil {
		return nil, fmt.Errorf("marshal project: %w", err)
	}

	err = l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(projectKey(proj.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrProjectExists, proj.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(projectKey(proj.ID), raw); err != nil {
			return err
		}
		return txn.Set(countKey(proj.ID), binary.BigEndian.AppendUint64(nil, 0))
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	l.logger.Info("project created",
		slog.String("project_id", proj.ID),
		slog.String("name", name),
	)
	return proj, nil
}

// GetProject loads a project by id.
func (l *Ledger) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var proj Project
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(projectKey(projectID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &proj)
		})
	})
	if err != nil {
		return nil, err
	}
	return &proj, nil
}

// Append adds a version to a project's history.
//
// Description:
//
//	The version's Number must be exactly one past the current count. The
//	count check, the fingerprint-uniqueness check and all writes happen in
//	one optimistic transaction: when two appends race, badger aborts the
//	loser with a conflict, which is surfaced as ErrSequenceConflict.
//
// Outputs:
//
//	error - ErrSequenceConflict on a lost race or wrong expected number;
//	        ErrFingerprintCollision if the fingerprint is already recorded;
//	        ErrNotFound for an unknown project.
func (l *Ledger) Append(ctx context.Context, projectID string, v *Version) error {
	if err := v.validate(); err != nil {
		return err
	}
	if v.CreatedAtMilli == 0 {
		v.CreatedAtMilli = time.Now().UnixMilli()
	}
	if err := v.seal(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}

	err = l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		count, err := readCount(txn, projectID)
		if err != nil {
			return err
		}
		if v.Number != count+1 {
			return fmt.Errorf("%w: appending number %d, next is %d", ErrSequenceConflict, v.Number, count+1)
		}

		if _, err := txn.Get(fpKey(projectID, v.Fingerprint)); err == nil {
			return fmt.Errorf("%w: %s", ErrFingerprintCollision, v.Fingerprint)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(versionKey(projectID, v.Number), raw); err != nil {
			return err
		}
		if err := txn.Set(fpKey(projectID, v.Fingerprint), binary.BigEndian.AppendUint64(nil, v.Number)); err != nil {
			return err
		}
		return txn.Set(countKey(projectID), binary.BigEndian.AppendUint64(nil, v.Number))
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent append to project %s", ErrSequenceConflict, projectID)
	}
	if err != nil {
		return err
	}

	l.logger.Info("version appended",
		slog.String("project_id", projectID),
		slog.Uint64("number", v.Number),
		slog.Bool("partial", v.Partial),
	)
	return nil
}

// Get loads one version by number, verifying its checksum.
func (l *Ledger) Get(ctx context.Context, projectID string, number uint64) (*Version, error) {
	var v Version
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(projectID, number))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: project %s version %d", ErrNotFound, projectID, number)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if err != nil {
		return nil, err
	}
	if err := v.verify(); err != nil {
		return nil, err
	}
	return &v, nil
}

// Latest returns the most recent version, or ErrNotFound for a project with
// no versions yet.
func (l *Ledger) Latest(ctx context.Context, projectID string) (*Version, error) {
	count, err := l.Count(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: project %s has no versions", ErrNotFound, projectID)
	}
	return l.Get(ctx, projectID, count)
}

// Count returns the number of versions recorded for the project.
func (l *Ledger) Count(ctx context.Context, projectID string) (uint64, error) {
	var count uint64
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		c, err := readCount(txn, projectID)
		count = c
		return err
	})
	return count, err
}

// List returns all versions of a project in sequence order.
func (l *Ledger) List(ctx context.Context, projectID string) ([]Version, error) {
	if _, err := l.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	var versions []Version
	prefix := append([]byte(versionPrefix), projectID...)
	prefix = append(prefix, ':')

	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v Version
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			})
			if err != nil {
				return err
			}
			if err := v.verify(); err != nil {
				return err
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// ByFingerprint resolves a version by its fingerprint.
func (l *Ledger) ByFingerprint(ctx context.Context, projectID, fingerprint string) (*Version, error) {
	var number uint64
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(fpKey(projectID, fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: fingerprint %s", ErrNotFound, fingerprint)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: fingerprint index for %s", ErrCorrupt, fingerprint)
			}
			number = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return l.Get(ctx, projectID, number)
}

// readCount reads the per-project version counter inside a transaction. The
// read registers the key in the transaction's read set, which is what makes
// racing appends conflict.
func readCount(txn *badger.Txn, projectID string) (uint64, error) {
	item, err := txn.Get(countKey(projectID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("%w: version counter for %s", ErrCorrupt, projectID)
		}
		count = binary.BigEndian.Uint64(val)
		return nil
	})
	return count, err
}
