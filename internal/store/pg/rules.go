package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"fedguard.org/internal/rules"
)

// RuleStore persists screening rules in Postgres. The slot key carries
// the same uniqueness the in-memory store enforces, so a duplicate
// pattern maps to rules.ErrDuplicate either way.
type RuleStore struct {
	db *sql.DB
}

var _ rules.Store = (*RuleStore)(nil)

func NewRuleStore(db *sql.DB) *RuleStore { return &RuleStore{db: db} }

func (s *RuleStore) Add(ctx context.Context, rule rules.Rule) error {
	contexts, err := json.Marshal(rule.Contexts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into rules(id, slot_key, scope, kind, pattern, community_id, contexts, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rule.ID, rule.Key(), string(rule.Scope), string(rule.Kind), rule.Pattern,
		rule.CommunityID, contexts, rule.CreatedBy, rule.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return rules.ErrDuplicate
	}
	return err
}

func (s *RuleStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from rules where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rules.ErrNotFound
	}
	return nil
}

const ruleCols = `id, scope, kind, pattern, community_id, contexts, created_by, created_at`

func scanRule(scan func(dest ...any) error) (rules.Rule, error) {
	var (
		rule        rules.Rule
		scope, kind string
		contexts    []byte
	)
	if err := scan(&rule.ID, &scope, &kind, &rule.Pattern, &rule.CommunityID,
		&contexts, &rule.CreatedBy, &rule.CreatedAt); err != nil {
		return rules.Rule{}, err
	}
	rule.Scope = rules.Scope(scope)
	rule.Kind = rules.Kind(kind)
	if len(contexts) > 0 {
		if err := json.Unmarshal(contexts, &rule.Contexts); err != nil {
			return rules.Rule{}, err
		}
	}
	return rule, nil
}

func (s *RuleStore) Get(ctx context.Context, id string) (rules.Rule, error) {
	row := s.db.QueryRowContext(ctx, `select `+ruleCols+` from rules where id=$1`, id)
	rule, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Rule{}, rules.ErrNotFound
	}
	if err != nil {
		return rules.Rule{}, err
	}
	return rule, nil
}

func (s *RuleStore) List(ctx context.Context, communityID string) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+ruleCols+` from rules
		where scope='global' or community_id=$1
		order by created_at asc
	`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
