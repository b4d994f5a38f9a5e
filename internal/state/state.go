/*
   deacon: a native Go orchestrator for devcontainer.json environments
   Copyright (C) 2025  Neil Santos

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.
*/

// Package state persists container and Compose project records keyed
// by workspace hash, backed by modernc.org/sqlite (a pure-Go driver,
// matching the core's no-cgo posture). Schema evolution runs through a
// small embedded version-table migrator rather than a general-purpose
// migration framework; see DESIGN.md for why.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

// Kind distinguishes a single-container record from a Compose project
// record.
type Kind string

const (
	KindContainer Kind = "container"
	KindCompose   Kind = "compose"
)

// Record is one persisted devcontainer instance, keyed by workspace
// hash (see internal/identity). The container fields are populated for
// KindContainer, the Compose ones for KindCompose; ShutdownAction and
// ConfigFile apply to both.
type Record struct {
	WorkspaceHash string
	Kind          Kind

	// KindContainer
	ContainerID   string
	ContainerName string
	ImageID       string

	// KindCompose
	ProjectName  string
	Service      string
	BasePath     string
	ComposeFiles []string

	ShutdownAction string
	ConfigFile     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContainerRecord is the input shape for SaveContainer.
type ContainerRecord struct {
	WorkspaceHash  string
	ContainerName  string
	ContainerID    string
	ImageID        string
	ConfigFile     string
	ShutdownAction string
}

// ComposeRecord is the input shape for SaveCompose.
type ComposeRecord struct {
	WorkspaceHash  string
	ProjectName    string
	Service        string
	BasePath       string
	ComposeFiles   []string
	ConfigFile     string
	ShutdownAction string
}

// Store wraps a single sqlite database file holding every workspace's
// state record.
type Store struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`,
	`CREATE TABLE IF NOT EXISTS containers (
		workspace_hash  TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		container_name  TEXT NOT NULL DEFAULT '',
		container_id    TEXT NOT NULL DEFAULT '',
		image_id        TEXT NOT NULL DEFAULT '',
		project_name    TEXT NOT NULL DEFAULT '',
		service         TEXT NOT NULL DEFAULT '',
		base_path       TEXT NOT NULL DEFAULT '',
		compose_files   TEXT NOT NULL DEFAULT '[]',
		shutdown_action TEXT NOT NULL DEFAULT '',
		config_file     TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);`,
}

// Open opens (creating if necessary) the sqlite database at path and
// applies any outstanding migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`)
	err := row.Scan(&version)
	if err != nil {
		// First run: schema_version table doesn't exist yet.
		version = 0
	}

	for version < len(migrations) {
		if _, err := s.db.ExecContext(ctx, migrations[version]); err != nil {
			return &errtyp.StateError{Kind: "IO", Message: fmt.Sprintf("applying migration %d: %v", version, err), Cause: err}
		}
		version++
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, len(migrations)); err != nil {
		return &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveContainer persists or replaces a single-container record.
func (s *Store) SaveContainer(ctx context.Context, r ContainerRecord) error {
	return s.upsert(ctx, Record{
		WorkspaceHash:  r.WorkspaceHash,
		Kind:           KindContainer,
		ContainerName:  r.ContainerName,
		ContainerID:    r.ContainerID,
		ImageID:        r.ImageID,
		ConfigFile:     r.ConfigFile,
		ShutdownAction: r.ShutdownAction,
	})
}

// SaveCompose persists or replaces a Compose project record.
func (s *Store) SaveCompose(ctx context.Context, r ComposeRecord) error {
	return s.upsert(ctx, Record{
		WorkspaceHash:  r.WorkspaceHash,
		Kind:           KindCompose,
		ProjectName:    r.ProjectName,
		Service:        r.Service,
		BasePath:       r.BasePath,
		ComposeFiles:   r.ComposeFiles,
		ConfigFile:     r.ConfigFile,
		ShutdownAction: r.ShutdownAction,
	})
}

func (s *Store) upsert(ctx context.Context, r Record) error {
	composeFilesJSON, err := json.Marshal(r.ComposeFiles)
	if err != nil {
		return fmt.Errorf("state: marshalling compose files: %w", err)
	}
	now := time.Now().Unix()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO containers (workspace_hash, kind, container_name, container_id, image_id, project_name, service, base_path, compose_files, shutdown_action, config_file, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_hash) DO UPDATE SET
			kind = excluded.kind,
			container_name = excluded.container_name,
			container_id = excluded.container_id,
			image_id = excluded.image_id,
			project_name = excluded.project_name,
			service = excluded.service,
			base_path = excluded.base_path,
			compose_files = excluded.compose_files,
			shutdown_action = excluded.shutdown_action,
			config_file = excluded.config_file,
			updated_at = excluded.updated_at
	`, r.WorkspaceHash, string(r.Kind), r.ContainerName, r.ContainerID, r.ImageID, r.ProjectName, r.Service, r.BasePath, string(composeFilesJSON), r.ShutdownAction, r.ConfigFile, now, now)
	if err != nil {
		return &errtyp.StateError{Kind: "IO", Message: err.Error(), WorkspaceHash: r.WorkspaceHash, Cause: err}
	}
	return nil
}

const recordColumns = `workspace_hash, kind, container_name, container_id, image_id, project_name, service, base_path, compose_files, shutdown_action, config_file, created_at, updated_at`

func scanRecord(scan func(...any) error) (Record, error) {
	var rec Record
	var composeFilesJSON string
	var createdAt, updatedAt int64
	err := scan(&rec.WorkspaceHash, &rec.Kind, &rec.ContainerName, &rec.ContainerID, &rec.ImageID, &rec.ProjectName, &rec.Service, &rec.BasePath, &composeFilesJSON, &rec.ShutdownAction, &rec.ConfigFile, &createdAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	_ = json.Unmarshal([]byte(composeFilesJSON), &rec.ComposeFiles)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, nil
}

// Get returns the record for workspaceHash, or ok=false if none
// exists.
func (s *Store) Get(ctx context.Context, workspaceHash string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM containers WHERE workspace_hash = ?`, workspaceHash)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &errtyp.StateError{Kind: "IO", Message: err.Error(), WorkspaceHash: workspaceHash, Cause: err}
	}
	return rec, true, nil
}

// Remove deletes the record for workspaceHash, if any.
func (s *Store) Remove(ctx context.Context, workspaceHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE workspace_hash = ?`, workspaceHash); err != nil {
		return &errtyp.StateError{Kind: "IO", Message: err.Error(), WorkspaceHash: workspaceHash, Cause: err}
	}
	return nil
}

// List returns every persisted record, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM containers ORDER BY updated_at DESC`)
	if err != nil {
		return nil, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, &errtyp.StateError{Kind: "IO", Message: err.Error(), Cause: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
