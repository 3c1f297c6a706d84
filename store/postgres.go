package store

import (
	"context"
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/ianfoo/tweetwatch"
)

//go:embed migrations/*.sql
var migrations embed.FS

// querier is the subset of *pgxpool.Pool and pgx.Tx the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps one state row per watched account in tweetwatch_state.
type Postgres struct {
	db      querier
	account string
}

// NewPostgres returns a store for account's row. Run Migrate once before
// first use.
func NewPostgres(db querier, account string) *Postgres {
	return &Postgres{db: db, account: account}
}

// Load reads the account's row. No row means no baseline yet.
func (p *Postgres) Load(ctx context.Context) (tweetwatch.State, error) {
	var rec tweetwatch.Record
	err := p.db.QueryRow(ctx, `
		SELECT last_seen_id, first_run
		FROM tweetwatch_state WHERE account = $1`, p.account,
	).Scan(&rec.LastSeenID, &rec.FirstRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return tweetwatch.Uninitialized{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error reading state for %s", p.account)
	}
	return tweetwatch.StateFromRecord(rec), nil
}

// Save upserts the account's row.
func (p *Postgres) Save(ctx context.Context, st tweetwatch.State) error {
	rec := tweetwatch.RecordFromState(st)
	_, err := p.db.Exec(ctx, `
		INSERT INTO tweetwatch_state (account, last_seen_id, first_run, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account) DO UPDATE
		SET last_seen_id = EXCLUDED.last_seen_id,
		    first_run    = EXCLUDED.first_run,
		    updated_at   = EXCLUDED.updated_at`,
		p.account, rec.LastSeenID, rec.FirstRun)
	return errors.Wrapf(err, "error writing state for %s", p.account)
}

// Migrate applies the embedded schema migrations to the database at
// databaseURL. Already-applied migrations are skipped.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrationURL(databaseURL))
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

// migrationURL rewrites a postgres URL to the pgx5:// scheme golang-migrate's
// pgx/v5 driver registers under.
func migrationURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + databaseURL[len(prefix):]
		}
	}
	return databaseURL
}
