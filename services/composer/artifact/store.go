// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package artifact provides content-addressed storage for generated files:
// scores, audio renders, MIDI files and analysis reports.
//
// Keys are the SHA-256 of the blob content, so identical bytes stored twice
// occupy one slot and a key can never refer to stale content. The store
// exclusively owns blob lifetime; version records hold non-owning key
// references and must handle ErrNotFound as a normal outcome (for example
// after a crash mid-render).
package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/cadenzalab/cadenza/services/composer/score"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

// Role identifies the logical kind of an artifact.
type Role string

const (
	RoleScore  Role = "score"
	RoleRender Role = "render"
	RoleMIDI   Role = "midi"
	RoleReport Role = "report"
)

// Valid reports whether the role is one of the known kinds.
func (r Role) Valid() bool {
	switch r {
	case RoleScore, RoleRender, RoleMIDI, RoleReport:
		return true
	default:
		return false
	}
}

// Key is a content-addressed artifact key: 64 lowercase hex characters.
type Key string

// Valid reports whether the key is a well-formed fingerprint.
func (k Key) Valid() bool {
	return score.ValidHash(string(k))
}

// Sentinel errors for the artifact store.
var (
	// ErrNotFound indicates the key has no stored blob. This is a normal,
	// expected outcome the revision controller handles, never fatal.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidRole indicates an unknown artifact role.
	ErrInvalidRole = errors.New("invalid artifact role")

	// ErrInvalidKey indicates a malformed artifact key.
	ErrInvalidKey = errors.New("invalid artifact key")

	// ErrEmptyContent indicates an attempt to store a zero-length blob.
	ErrEmptyContent = errors.New("empty artifact content")
)

const (
	blobPrefix = "blob:"
	rolePrefix = "role:"
)

// Store is a badger-backed content-addressed blob store.
//
// Thread Safety: safe for concurrent use. Writes are idempotent, so
// concurrent puts of the same content cannot conflict destructively.
type Store struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

// NewStore creates a Store over the shared database.
func NewStore(db *badgerdb.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "artifact_store"))}
}

// Put stores content under its content hash and records its role.
//
// Description:
//
//	Idempotent: identical bytes return the same key without a duplicate
//	write. The role is stored alongside for inspection; two roles share a
//	key only when their bytes are identical, which is safe because the
//	blob is then also identical.
//
// Outputs:
//
//	Key - The content-addressed key.
//	error - ErrInvalidRole, ErrEmptyContent, or a storage error.
func (s *Store) Put(ctx context.Context, content []byte, role Role) (Key, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if len(content) == 0 {
		return "", ErrEmptyContent
	}

	key := Key(score.HashBytes(content))

	write := func() error {
		return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(blobPrefix + key))
			if err == nil {
				return nil // already stored, nothing to write
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set([]byte(blobPrefix+key), content); err != nil {
				return err
			}
			return txn.Set([]byte(rolePrefix+key), []byte(role))
		})
	}

	err := write()
	if errors.Is(err, badger.ErrConflict) {
		// Two puts of the same content raced. The winner stored identical
		// bytes, so retrying resolves to a no-op read.
		err = write()
	}
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}

	s.logger.Debug("artifact stored",
		slog.String("key", string(key)),
		slog.String("role", string(role)),
		slog.Int("bytes", len(content)),
	)
	return key, nil
}

// Get retrieves the blob for key.
//
// Outputs:
//
//	[]byte - The blob content, copied out of the transaction.
//	error - ErrNotFound if the key has no blob; ErrInvalidKey if malformed.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	var content []byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Exists reports whether a blob is stored under key.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	if !key.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(blobPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// RoleOf returns the recorded role for key, or ErrNotFound.
func (s *Store) RoleOf(ctx context.Context, key Key) (Role, error) {
	if !key.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	var role Role
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rolePrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			role = Role(val)
			return nil
		})
	})
	return role, err
}
