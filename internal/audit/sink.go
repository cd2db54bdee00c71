package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TimurManjosov/gopolicy/internal/db"
	"github.com/TimurManjosov/gopolicy/internal/pagination"
)

// MemorySink keeps entries in memory. It implements Reader and Purger.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of everything written, oldest first.
func (m *MemorySink) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MemorySink) List(_ context.Context, f Filter) (pagination.Page[Entry], error) {
	m.mu.RLock()
	matched := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if f.PolicyType != "" && e.PolicyType != f.PolicyType {
			continue
		}
		if f.RuleID != "" && e.RuleID != f.RuleID {
			continue
		}
		matched = append(matched, e)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return pagination.Slice(matched, f.Page), nil
}

func (m *MemorySink) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	var n int64
	for _, e := range m.entries {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

// PostgresSink stores entries in the audit_log table.
type PostgresSink struct {
	conn db.DBTX
}

// NewPostgresSink creates a new PostgreSQL audit sink
func NewPostgresSink(conn db.DBTX) *PostgresSink {
	return &PostgresSink{conn: conn}
}

const insertAuditSQL = `
INSERT INTO audit_log (id, policy_type, rule_id, rule_name, rule_version, input, output, elapsed_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Write persists an audit entry to the database
func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	_, err := s.conn.Exec(ctx, insertAuditSQL,
		e.ID, e.PolicyType, e.RuleID, e.RuleName, e.RuleVersion,
		jsonOrEmpty(e.Input), jsonOrEmpty(e.Output), e.ElapsedMillis, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func jsonOrEmpty(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func (s *PostgresSink) List(ctx context.Context, f Filter) (pagination.Page[Entry], error) {
	req := f.Page.Normalize()

	var where []string
	var args []any
	if f.PolicyType != "" {
		args = append(args, f.PolicyType)
		where = append(where, fmt.Sprintf("policy_type = $%d", len(args)))
	}
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.conn.QueryRow(ctx, "SELECT count(*) FROM audit_log"+clause, args...).Scan(&total); err != nil {
		return pagination.Page[Entry]{}, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, req.Size, req.Offset())
	q := fmt.Sprintf(`SELECT id, policy_type, rule_id, rule_name, rule_version, input, output, elapsed_ms, created_at
FROM audit_log%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))
	rows, err := s.conn.Query(ctx, q, args...)
	if err != nil {
		return pagination.Page[Entry]{}, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var in, outJSON []byte
		if err := rows.Scan(&e.ID, &e.PolicyType, &e.RuleID, &e.RuleName, &e.RuleVersion,
			&in, &outJSON, &e.ElapsedMillis, &e.CreatedAt); err != nil {
			return pagination.Page[Entry]{}, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Input, e.Output = in, outJSON
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[Entry]{}, err
	}
	return pagination.New(out, total, req), nil
}

func (s *PostgresSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.conn.Exec(ctx, "DELETE FROM audit_log WHERE created_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
