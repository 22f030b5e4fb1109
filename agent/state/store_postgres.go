package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type PostgresConfig struct {
	DSN         string        `envconfig:"DSN" split_words:"true" required:"true"`
	DialTimeout time.Duration `envconfig:"DIAL_TIMEOUT" split_words:"true" default:"5s"`
}

type sessionRow struct {
	bun.BaseModel `bun:"table:voice_sessions,alias:vs"`

	SessionID      string    `bun:"session_id,pk"`
	Version        int64     `bun:"version,notnull"`
	Status         string    `bun:"status,notnull"`
	Data           *Session  `bun:"data,type:jsonb,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	LastActivityAt time.Time `bun:"last_activity_at,notnull"`
}

func rowFromSession(st *Session) *sessionRow {
	return &sessionRow{
		SessionID:      st.SessionID,
		Version:        st.Version,
		Status:         string(st.Status),
		Data:           st,
		CreatedAt:      st.CreatedAt,
		LastActivityAt: st.LastActivityAt,
	}
}

func (r *sessionRow) toSession() (*Session, error) {
	if r.Data == nil {
		return nil, fmt.Errorf("session %s has no data", r.SessionID)
	}
	st := r.Data
	st.Version = r.Version
	st.EnsureMaps()
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session state loaded from store: %w", err)
	}
	return st, nil
}

// PostgresStore persists sessions in a single jsonb table. The version column is
// the optimistic lock.
type PostgresStore struct {
	db *bun.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
	if cfg.DialTimeout > 0 {
		opts = append(opts, pgdriver.WithDialTimeout(cfg.DialTimeout))
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(opts...))
	return NewPostgresStoreWithDB(ctx, bun.NewDB(sqldb, pgdialect.New()))
}

func NewPostgresStoreWithDB(ctx context.Context, db *bun.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	if _, err := db.NewCreateTable().Model((*sessionRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	fresh := NewSession(sessionID, now)
	fresh.Version = 1
	if _, err := p.db.NewInsert().
		Model(rowFromSession(fresh)).
		On("CONFLICT (session_id) DO NOTHING").
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return p.Get(ctx, sessionID)
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}
	row := new(sessionRow)
	err := p.db.NewSelect().Model(row).Where("session_id = ?", sessionID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return row.toSession()
}

func (p *PostgresStore) CompareAndUpdate(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (*Session, error) {
	current, err := p.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: session=%s expected=%d actual=%d", ErrVersionConflict, sessionID, expectedVersion, current.Version)
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return nil, err
	}

	res, err := p.db.NewUpdate().
		Model(rowFromSession(next)).
		Column("version", "status", "data", "last_activity_at").
		Where("session_id = ?", sessionID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update session rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: session=%s expected=%d", ErrVersionConflict, sessionID, expectedVersion)
	}
	return next, nil
}

func (p *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	_, err := p.db.NewDelete().Model((*sessionRow)(nil)).Where("session_id = ?", sessionID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Session, error) {
	var rows []sessionRow
	if err := p.db.NewSelect().Model(&rows).Order("session_id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		st, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
