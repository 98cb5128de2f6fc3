package duckdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tinytelemetry/logtt/internal/model"
)

// fieldKeyPattern restricts the structured field names usable as filter
// columns; they are addressed as JSON paths.
var fieldKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// recordColumns are the fixed columns of the records view, as VARCHAR
// expressions so every filter compares text.
var recordColumns = map[string]string{
	"seq":          "CAST(r.seq AS VARCHAR)",
	"message":      "r.message",
	"raw":          "r.raw",
	"template_id":  "CAST(r.template_id AS VARCHAR)",
	"template":     "t.pattern",
	"parse_failed": "CAST(r.parse_failed AS VARCHAR)",
}

var templateColumns = map[string]string{
	"id":          "CAST(t.template_id AS VARCHAR)",
	"template_id": "CAST(t.template_id AS VARCHAR)",
	"pattern":     "t.pattern",
	"template":    "t.pattern",
	"token_count": "CAST(t.token_count AS VARCHAR)",
	"first_seen":  "CAST(t.first_seen AS VARCHAR)",
	"match_count": "CAST(t.match_count AS VARCHAR)",
}

const recordsFrom = `
	FROM structured_records r
	LEFT JOIN templates t ON t.log_id = r.log_id AND t.template_id = r.template_id
	WHERE r.log_id = ?`

// recordColumn resolves a records-view column. Names outside the fixed set
// address a structured field.
func recordColumn(name string) (string, []any, error) {
	key := strings.TrimSpace(name)
	if expr, ok := recordColumns[strings.ToLower(key)]; ok {
		return expr, nil, nil
	}
	if !fieldKeyPattern.MatchString(key) {
		return "", nil, fmt.Errorf("%w: column %q", model.ErrInvalidFilter, name)
	}
	return "json_extract_string(r.fields, CAST(? AS VARCHAR))", []any{"$." + key}, nil
}

func templateColumn(name string) (string, []any, error) {
	if expr, ok := templateColumns[strings.ToLower(strings.TrimSpace(name))]; ok {
		return expr, nil, nil
	}
	return "", nil, fmt.Errorf("%w: template column %q", model.ErrInvalidFilter, name)
}

// filterClause renders filters as " AND ..." conditions. Specs on different
// columns are ANDed; within one spec the value set and the substring
// predicate must both hold when both are given.
func filterClause(filters model.Filters, column func(string) (string, []any, error)) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	for _, f := range filters {
		if f.Empty() {
			continue
		}
		expr, exprArgs, err := column(f.Column)
		if err != nil {
			return "", nil, err
		}
		if len(f.Values) > 0 {
			b.WriteString(" AND ")
			b.WriteString(expr)
			b.WriteString(" IN (")
			b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(f.Values)), ", "))
			b.WriteString(")")
			args = append(args, exprArgs...)
			for _, v := range f.Values {
				args = append(args, v)
			}
		}
		if f.Contains != "" {
			b.WriteString(" AND contains(lower(")
			b.WriteString(expr)
			b.WriteString("), lower(CAST(? AS VARCHAR)))")
			args = append(args, exprArgs...)
			args = append(args, f.Contains)
		}
	}
	return b.String(), args, nil
}

func pageClause(p model.Page) (string, []any) {
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	if p.Limit > 0 {
		return " LIMIT ? OFFSET ?", []any{p.Limit, offset}
	}
	return " OFFSET ?", []any{offset}
}

// QueryRecords returns one page of structured rows in sequence order with
// the matched and total counts.
func (s *Store) QueryRecords(logID int64, filters model.Filters, page model.Page) (model.RecordPage, error) {
	where, whereArgs, err := filterClause(filters, recordColumn)
	if err != nil {
		return model.RecordPage{}, err
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out model.RecordPage
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM structured_records WHERE log_id = ?`, logID).Scan(&out.Total); err != nil {
		return model.RecordPage{}, fmt.Errorf("count records: %w", err)
	}
	countArgs := append([]any{logID}, whereArgs...)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+recordsFrom+where, countArgs...).Scan(&out.Matched); err != nil {
		return model.RecordPage{}, fmt.Errorf("count matched records: %w", err)
	}

	limit, limitArgs := pageClause(page)
	query := `SELECT r.seq, r.message, r.raw, CAST(r.fields AS VARCHAR), r.template_id, COALESCE(t.pattern, ''), r.parse_failed` +
		recordsFrom + where + ` ORDER BY r.seq` + limit
	rows, err := s.db.QueryContext(ctx, query, append(countArgs, limitArgs...)...)
	if err != nil {
		return model.RecordPage{}, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out.Rows = []model.RecordRow{}
	for rows.Next() {
		row, err := scanRecord(rows)
		if err != nil {
			return model.RecordPage{}, err
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return model.RecordPage{}, err
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (model.RecordRow, error) {
	var (
		row    model.RecordRow
		seq    int64
		fields string
	)
	if err := sc.Scan(&seq, &row.Message, &row.Raw, &fields, &row.TemplateID, &row.Template, &row.ParseFailed); err != nil {
		return model.RecordRow{}, fmt.Errorf("scan record: %w", err)
	}
	row.Seq = uint64(seq)
	row.Fields = map[string]string{}
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &row.Fields); err != nil {
			return model.RecordRow{}, fmt.Errorf("record %d fields: %w", seq, err)
		}
	}
	return row, nil
}

// QueryTemplates returns one page of templates sorted by first appearance
// or by descending match count.
func (s *Store) QueryTemplates(logID int64, filters model.Filters, sort model.TemplateSort, page model.Page) (model.TemplatePage, error) {
	where, whereArgs, err := filterClause(filters, templateColumn)
	if err != nil {
		return model.TemplatePage{}, err
	}

	order := " ORDER BY t.first_seen, t.template_id"
	switch sort {
	case model.SortByFirstSeen, "":
	case model.SortByMatchCount:
		order = " ORDER BY t.match_count DESC, t.template_id"
	default:
		return model.TemplatePage{}, fmt.Errorf("%w: sort %q", model.ErrInvalidFilter, sort)
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out model.TemplatePage
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates WHERE log_id = ?`, logID).Scan(&out.Total); err != nil {
		return model.TemplatePage{}, fmt.Errorf("count templates: %w", err)
	}
	args := append([]any{logID}, whereArgs...)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates t WHERE t.log_id = ?`+where, args...).Scan(&out.Matched); err != nil {
		return model.TemplatePage{}, fmt.Errorf("count matched templates: %w", err)
	}

	limit, limitArgs := pageClause(page)
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.template_id, CAST(t.tokens AS VARCHAR), t.first_seen, t.match_count
		FROM templates t WHERE t.log_id = ?`+where+order+limit,
		append(args, limitArgs...)...)
	if err != nil {
		return model.TemplatePage{}, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	out.Rows = []model.Template{}
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return model.TemplatePage{}, err
		}
		out.Rows = append(out.Rows, tpl)
	}
	if err := rows.Err(); err != nil {
		return model.TemplatePage{}, err
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

func scanTemplate(sc scanner) (model.Template, error) {
	var (
		tpl       model.Template
		tokens    string
		firstSeen int64
	)
	if err := sc.Scan(&tpl.ID, &tokens, &firstSeen, &tpl.MatchCount); err != nil {
		return model.Template{}, fmt.Errorf("scan template: %w", err)
	}
	tpl.FirstSeen = uint64(firstSeen)
	if err := json.Unmarshal([]byte(tokens), &tpl.Tokens); err != nil {
		return model.Template{}, fmt.Errorf("template %d tokens: %w", tpl.ID, err)
	}
	return tpl, nil
}

// CountTemplates counts the templates of a log that pass filters.
func (s *Store) CountTemplates(logID int64, filters model.Filters) (int64, error) {
	where, whereArgs, err := filterClause(filters, templateColumn)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates t WHERE t.log_id = ?`+where,
		append([]any{logID}, whereArgs...)...).Scan(&n)
	return n, err
}

// TemplateForRecord returns the template a record was assigned to.
func (s *Store) TemplateForRecord(logID int64, seq uint64) (model.Template, error) {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT t.template_id, CAST(t.tokens AS VARCHAR), t.first_seen, t.match_count
		FROM structured_records r
		JOIN templates t ON t.log_id = r.log_id AND t.template_id = r.template_id
		WHERE r.log_id = ? AND r.seq = ?`, logID, int64(seq))
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Template{}, fmt.Errorf("record %d of log %d: %w", seq, logID, model.ErrNotFound)
	}
	return tpl, err
}

// DistinctValues returns the most frequent values of a records-view column.
func (s *Store) DistinctValues(logID int64, column string, limit int) ([]model.ValueCount, error) {
	expr, exprArgs, err := recordColumn(column)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := append(append(exprArgs, logID), limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT v, COUNT(*) AS n FROM (SELECT `+expr+` AS v`+recordsFrom+`)
		WHERE v IS NOT NULL
		GROUP BY v
		ORDER BY n DESC, v
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	out := []model.ValueCount{}
	for rows.Next() {
		var vc model.ValueCount
		if err := rows.Scan(&vc.Value, &vc.Count); err != nil {
			return nil, fmt.Errorf("scan distinct: %w", err)
		}
		out = append(out, vc)
	}
	return out, rows.Err()
}

// FieldNames lists the structured field names present in a log's records.
func (s *Store) FieldNames(logID int64) ([]string, error) {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT k FROM (
			SELECT unnest(json_keys(fields)) AS k FROM structured_records WHERE log_id = ?
		) ORDER BY k`, logID)
	if err != nil {
		return nil, fmt.Errorf("field names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		names = append(names, k)
	}
	return names, rows.Err()
}

// ResetResults removes every record and template of a log before a new run.
func (s *Store) ResetResults(logID int64) error {
	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM structured_records WHERE log_id = ?`, logID); err != nil {
		return fmt.Errorf("reset records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE log_id = ?`, logID); err != nil {
		return fmt.Errorf("reset templates: %w", err)
	}
	return tx.Commit()
}

// DiscardResults drops everything a failed run committed.
func (s *Store) DiscardResults(logID int64) error {
	return s.ResetResults(logID)
}

// AppendResults commits rows and the current state of the templates they
// reference in one transaction, so readers never see a row without its
// template.
func (s *Store) AppendResults(logID int64, rows []model.RecordRow, templates []model.Template) error {
	if len(rows) == 0 && len(templates) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if len(templates) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO templates
			(log_id, template_id, pattern, tokens, token_count, first_seen, match_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, tpl := range templates {
			tokens, err := json.Marshal(tpl.Tokens)
			if err != nil {
				return fmt.Errorf("encode template %d: %w", tpl.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, logID, tpl.ID, tpl.Pattern(), string(tokens),
				len(tpl.Tokens), int64(tpl.FirstSeen), tpl.MatchCount); err != nil {
				return fmt.Errorf("template insert: %w", err)
			}
		}
	}

	if len(rows) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO structured_records
			(log_id, seq, message, raw, fields, template_id, parse_failed)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			fields := []byte("{}")
			if len(r.Fields) > 0 {
				if fields, err = json.Marshal(r.Fields); err != nil {
					return fmt.Errorf("encode fields of %d: %w", r.Seq, err)
				}
			}
			if _, err := stmt.ExecContext(ctx, logID, int64(r.Seq), r.Message, r.Raw, string(fields),
				r.TemplateID, r.ParseFailed); err != nil {
				return fmt.Errorf("record insert: %w", err)
			}
		}
	}

	return tx.Commit()
}
