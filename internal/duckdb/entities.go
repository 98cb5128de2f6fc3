package duckdb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/logtt/internal/model"
)

// InsertEntity stores a new entity and sets its ID and CreatedAt.
func (s *Store) InsertEntity(e *model.LogEntity) error {
	source, err := json.Marshal(e.Source)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	format, err := json.Marshal(e.Format)
	if err != nil {
		return fmt.Errorf("encode format: %w", err)
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO log_entities (name, source_protocol, source_uri, source, format_name, format,
			line_count, created_at, status, progress, extract_method, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at`,
		e.Name, string(e.Source.Protocol), e.Source.URI(), string(source), e.Format.String(), string(format),
		e.LineCount, e.CreatedAt.UTC(), string(e.Status), e.Progress, e.ExtractMethod, e.LastError,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%q: %w", e.Name, model.ErrDuplicateName)
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

// UpdateEntity writes the mutable columns of an entity. Name and creation
// time never change after registration.
func (s *Store) UpdateEntity(e model.LogEntity) error {
	source, err := json.Marshal(e.Source)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	format, err := json.Marshal(e.Format)
	if err != nil {
		return fmt.Errorf("encode format: %w", err)
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE log_entities SET
			source_protocol = ?, source_uri = ?, source = ?, format_name = ?, format = ?,
			line_count = ?, status = ?, progress = ?, extract_method = ?, last_error = ?
		WHERE id = ?`,
		string(e.Source.Protocol), e.Source.URI(), string(source), e.Format.String(), string(format),
		e.LineCount, string(e.Status), e.Progress, e.ExtractMethod, e.LastError, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entity %d: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("entity %d: %w", e.ID, model.ErrNotFound)
	}
	return nil
}

// DeleteEntity removes an entity together with its extraction results.
func (s *Store) DeleteEntity(id int64) error {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, q := range []string{
		`DELETE FROM structured_records WHERE log_id = ?`,
		`DELETE FROM templates WHERE log_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete results of %d: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM log_entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("entity %d: %w", id, model.ErrNotFound)
	}
	return tx.Commit()
}

// ListEntities returns every stored entity ordered by id.
func (s *Store) ListEntities() ([]model.LogEntity, error) {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, CAST(source AS VARCHAR), CAST(format AS VARCHAR), line_count, created_at,
			status, progress, extract_method, last_error
		FROM log_entities
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LogEntity
	for rows.Next() {
		var (
			e              model.LogEntity
			source, format string
			status         string
		)
		if err := rows.Scan(&e.ID, &e.Name, &source, &format, &e.LineCount, &e.CreatedAt,
			&status, &e.Progress, &e.ExtractMethod, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(source), &e.Source); err != nil {
			return nil, fmt.Errorf("entity %d source: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(format), &e.Format); err != nil {
			return nil, fmt.Errorf("entity %d format: %w", e.ID, err)
		}
		e.Status = model.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func isConstraintViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "duplicate key")
}
