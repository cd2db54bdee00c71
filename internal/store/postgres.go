package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TimurManjosov/gopolicy/internal/db"
	"github.com/TimurManjosov/gopolicy/internal/pagination"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// PostgresStore is a PostgreSQL implementation of the Store interface.
// Fields and parameters are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
	conn db.DBTX
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, conn: pool}
}

// newPostgresStoreWithConn is used by tests that run inside a transaction.
func newPostgresStoreWithConn(conn db.DBTX) *PostgresStore {
	return &PostgresStore{conn: conn}
}

const ruleColumns = `id, name, description, policy_type, fact_type, source, active, version, fields, parameters, created_at, updated_at`

func (p *PostgresStore) CreateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error) {
	r = prepareNew(r, time.Now().UTC())
	fields, params, err := encodeJSON(r)
	if err != nil {
		return nil, err
	}
	row := p.conn.QueryRow(ctx, `
INSERT INTO rules (`+ruleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING `+ruleColumns,
		r.ID, r.Name, r.Description, string(r.PolicyType), r.FactType, r.Source,
		r.Active, r.Version, fields, params, r.CreatedAt, r.UpdatedAt)
	return scanRule(row)
}

func (p *PostgresStore) UpdateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error) {
	fields, params, err := encodeJSON(r)
	if err != nil {
		return nil, err
	}
	row := p.conn.QueryRow(ctx, `
UPDATE rules SET name = $2, description = $3, policy_type = $4, fact_type = $5, source = $6,
	active = $7, version = $8, fields = $9, parameters = $10, updated_at = now()
WHERE id = $1
RETURNING `+ruleColumns,
		r.ID, r.Name, r.Description, string(r.PolicyType), r.FactType, r.Source,
		r.Active, r.Version, fields, params)
	out, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	return out, err
}

func (p *PostgresStore) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	row := p.conn.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	out, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, err
}

func (p *PostgresStore) ListRules(ctx context.Context, f ListFilter) (pagination.Page[rules.Rule], error) {
	req := f.Page.Normalize()

	var where []string
	var args []any
	if f.PolicyType != "" {
		args = append(args, string(f.PolicyType))
		where = append(where, fmt.Sprintf("policy_type = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := p.conn.QueryRow(ctx, `SELECT count(*) FROM rules`+clause, args...).Scan(&total); err != nil {
		return pagination.Page[rules.Rule]{}, fmt.Errorf("count rules: %w", err)
	}

	args = append(args, req.Size, req.Offset())
	rows, err := p.conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM rules%s ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d`,
		ruleColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return pagination.Page[rules.Rule]{}, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return pagination.Page[rules.Rule]{}, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[rules.Rule]{}, err
	}
	return pagination.New(out, total, req), nil
}

func (p *PostgresStore) ActiveRuleForPolicyType(ctx context.Context, policyType rules.PolicyType) (*rules.Rule, error) {
	row := p.conn.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules
WHERE policy_type = $1 AND active ORDER BY updated_at DESC, id LIMIT 1`, string(policyType))
	out, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active rule for policy type %s", ErrNotFound, policyType)
	}
	return out, err
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) (*rules.Rule, error) {
	row := p.conn.QueryRow(ctx, `UPDATE rules SET active = $2, updated_at = now() WHERE id = $1 RETURNING `+ruleColumns, id, active)
	out, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, err
}

// Close closes the underlying database connection pool.
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func encodeJSON(r rules.Rule) (fields, params []byte, err error) {
	fields, err = json.Marshal(r.Fields)
	if err != nil {
		return nil, nil, fmt.Errorf("encode fields: %w", err)
	}
	if r.Parameters == nil {
		r.Parameters = []rules.Parameter{}
	}
	params, err = json.Marshal(r.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("encode parameters: %w", err)
	}
	return fields, params, nil
}

func scanRule(row pgx.Row) (*rules.Rule, error) {
	var r rules.Rule
	var policyType string
	var fields, params []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &policyType, &r.FactType, &r.Source,
		&r.Active, &r.Version, &fields, &params, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.PolicyType = rules.PolicyType(policyType)
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", r.ID, err)
		}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &r.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}
