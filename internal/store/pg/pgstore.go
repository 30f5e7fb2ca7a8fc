package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fedguard.org/internal/ledger"
	"fedguard.org/internal/match"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Propose(ctx context.Context, d ledger.Decision) (ledger.Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status  string
		version uint64
	)
	err = tx.QueryRowContext(ctx, `
		select status, version from subjects where id=$1 for update
	`, d.SubjectID).Scan(&status, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first decision for this subject
	case err != nil:
		return ledger.Decision{}, err
	case ledger.Status(status) == d.Status:
		return ledger.Decision{}, ledger.ErrStale
	}

	d.Version = version + 1
	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now().UTC()
	}
	if err := upsertSubject(ctx, tx, d); err != nil {
		return ledger.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Decision{}, err
	}
	return d, nil
}

func (s *Store) Apply(ctx context.Context, d ledger.Decision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status  string
		version uint64
	)
	err = tx.QueryRowContext(ctx, `
		select status, version from subjects where id=$1 for update
	`, d.SubjectID).Scan(&status, &version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	sameStatus := false
	if err == nil {
		if d.Version <= version {
			return ledger.ErrStale
		}
		sameStatus = ledger.Status(status) == d.Status
	}

	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now().UTC()
	}
	// The highest version owns the row in full, origin included. A
	// same-status winner still replaces the stored decision so unban
	// authority tracks the right origin; it stays a no-op for
	// enforcement.
	if err := upsertSubject(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if sameStatus {
		return ledger.ErrStale
	}
	return nil
}

func upsertSubject(ctx context.Context, tx *sql.Tx, d ledger.Decision) error {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into subjects(id, status, version, origin_community, username, reason, moderator, evidence, last_updated)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (id) do update set
			status=excluded.status, version=excluded.version,
			origin_community=excluded.origin_community, username=excluded.username,
			reason=excluded.reason, moderator=excluded.moderator,
			evidence=excluded.evidence, last_updated=excluded.last_updated
	`, d.SubjectID, string(d.Status), d.Version, d.OriginCommunity, d.Username, d.Reason, d.Moderator, evidence, d.IssuedAt)
	return err
}

const subjectCols = `id, status, version, origin_community, username, reason, moderator, evidence, last_updated`

func scanSubject(scan func(dest ...any) error) (ledger.Subject, error) {
	var (
		subject  ledger.Subject
		status   string
		evidence []byte
	)
	if err := scan(&subject.ID, &status, &subject.Version, &subject.OriginCommunity,
		&subject.Username, &subject.Reason, &subject.Moderator, &evidence, &subject.LastUpdated); err != nil {
		return ledger.Subject{}, err
	}
	subject.Status = ledger.Status(status)
	if len(evidence) > 0 {
		var evs []match.Evidence
		if err := json.Unmarshal(evidence, &evs); err != nil {
			return ledger.Subject{}, err
		}
		subject.Evidence = evs
	}
	return subject, nil
}

func (s *Store) GetSubject(ctx context.Context, id string) (ledger.Subject, error) {
	row := s.db.QueryRowContext(ctx, `select `+subjectCols+` from subjects where id=$1`, id)
	subject, err := scanSubject(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Subject{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Subject{}, err
	}
	return subject, nil
}

func (s *Store) ListBanned(ctx context.Context, limit int, afterID string) ([]ledger.Subject, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+subjectCols+` from subjects
		where status='banned' and id > $1
		order by id asc
		limit $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Subject
	for rows.Next() {
		subject, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, subject)
	}
	return out, rows.Err()
}

func (s *Store) Search(ctx context.Context, query string, limit, offset int) ([]ledger.Subject, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if query == "" {
		return nil, 0, nil
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from subjects
		where id = $1 or username ilike '%' || $1 || '%'
	`, query).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select `+subjectCols+` from subjects
		where id = $1 or username ilike '%' || $1 || '%'
		order by id asc
		limit $2 offset $3
	`, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ledger.Subject
	for rows.Next() {
		subject, err := scanSubject(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, subject)
	}
	return out, total, rows.Err()
}

func (s *Store) SetOverride(ctx context.Context, o ledger.Override) error {
	if o.AppliedAt.IsZero() {
		o.AppliedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into overrides(subject_id, community_id, status, applied_by, applied_at)
		values ($1,$2,$3,$4,$5)
		on conflict (subject_id, community_id) do update set
			status=excluded.status, applied_by=excluded.applied_by, applied_at=excluded.applied_at
	`, o.SubjectID, o.CommunityID, string(o.Status), o.AppliedBy, o.AppliedAt)
	return err
}

func (s *Store) ClearOverride(ctx context.Context, subjectID, communityID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from overrides where subject_id=$1 and community_id=$2
	`, subjectID, communityID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) GetOverride(ctx context.Context, subjectID, communityID string) (ledger.Override, bool, error) {
	var (
		o      ledger.Override
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		select subject_id, community_id, status, applied_by, applied_at
		from overrides where subject_id=$1 and community_id=$2
	`, subjectID, communityID).Scan(&o.SubjectID, &o.CommunityID, &status, &o.AppliedBy, &o.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Override{}, false, nil
	}
	if err != nil {
		return ledger.Override{}, false, err
	}
	o.Status = ledger.Status(status)
	return o, true, nil
}

func (s *Store) RecordInitiated(ctx context.Context, communityID string, status ledger.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch status {
	case ledger.StatusBanned:
		if _, err := tx.ExecContext(ctx, `
			insert into community_stats(community_id, bans_initiated)
			values ($1, 1)
			on conflict (community_id) do update set bans_initiated = community_stats.bans_initiated + 1
		`, communityID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into monthly_stats(community_id, month, initiated)
			values ($1, $2, 1)
			on conflict (community_id, month) do update set initiated = monthly_stats.initiated + 1
		`, communityID, ledger.MonthKey(time.Now())); err != nil {
			return err
		}
	case ledger.StatusCleared:
		if _, err := tx.ExecContext(ctx, `
			insert into community_stats(community_id, unbans_initiated)
			values ($1, 1)
			on conflict (community_id) do update set unbans_initiated = community_stats.unbans_initiated + 1
		`, communityID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RecordReceived(ctx context.Context, communityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into community_stats(community_id, bans_received)
		values ($1, 1)
		on conflict (community_id) do update set bans_received = community_stats.bans_received + 1
	`, communityID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into monthly_stats(community_id, month, received)
		values ($1, $2, 1)
		on conflict (community_id, month) do update set received = monthly_stats.received + 1
	`, communityID, ledger.MonthKey(time.Now())); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Stats(ctx context.Context) (ledger.Stats, error) {
	out := ledger.Stats{Communities: map[string]ledger.CommunityStats{}}

	rows, err := s.db.QueryContext(ctx, `
		select community_id, bans_initiated, bans_received, unbans_initiated
		from community_stats
	`)
	if err != nil {
		return ledger.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			cs ledger.CommunityStats
		)
		if err := rows.Scan(&id, &cs.BansInitiated, &cs.BansReceived, &cs.UnbansInitiated); err != nil {
			return ledger.Stats{}, err
		}
		cs.MonthlyInitiated = map[string]uint64{}
		cs.MonthlyReceived = map[string]uint64{}
		out.Communities[id] = cs
		out.TotalEvents += cs.BansInitiated + cs.BansReceived + cs.UnbansInitiated
	}
	if err := rows.Err(); err != nil {
		return ledger.Stats{}, err
	}

	months, err := s.db.QueryContext(ctx, `
		select community_id, month, initiated, received from monthly_stats
	`)
	if err != nil {
		return ledger.Stats{}, err
	}
	defer months.Close()
	for months.Next() {
		var (
			id, month           string
			initiated, received uint64
		)
		if err := months.Scan(&id, &month, &initiated, &received); err != nil {
			return ledger.Stats{}, err
		}
		cs := out.Communities[id]
		if cs.MonthlyInitiated == nil {
			cs.MonthlyInitiated = map[string]uint64{}
			cs.MonthlyReceived = map[string]uint64{}
		}
		if initiated > 0 {
			cs.MonthlyInitiated[month] = initiated
		}
		if received > 0 {
			cs.MonthlyReceived[month] = received
		}
		out.Communities[id] = cs
	}
	if err := months.Err(); err != nil {
		return ledger.Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, `
		select count(*) from subjects where status='banned'
	`).Scan(&out.TotalBans); err != nil {
		return ledger.Stats{}, err
	}
	return out, nil
}

func (s *Store) MarkSynced(ctx context.Context, communityID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sync_status(community_id, synced_at)
		values ($1, now())
		on conflict (community_id) do update set synced_at=excluded.synced_at
	`, communityID)
	return err
}

func (s *Store) IsSynced(ctx context.Context, communityID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from sync_status where community_id=$1
	`, communityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
