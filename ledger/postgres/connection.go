// Package postgres implements the ledger against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/pullrekun/pullrekun/config"
	"github.com/pullrekun/pullrekun/ledger"
	"github.com/pullrekun/pullrekun/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres wraps a pgx pool.
type Postgres struct {
	log *logging.SimpleLogger
	db  *pgxpool.Pool
	cfg config.PostgresConfig
}

// New connects, pings and applies migrations.
func New(ctx context.Context, log *logging.SimpleLogger, cfg config.PostgresConfig) (*Postgres, error) {
	p := &Postgres{log: log.Named("ledger.postgres"), cfg: cfg}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "parse pool config")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping pool")
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	p.db = pool
	p.log.Info("postgres ready at %s:%d", cfg.Host, cfg.Port)
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	sqlDB, err := sql.Open("postgres", p.cfg.DSN())
	if err != nil {
		return errors.Wrap(err, "open sql")
	}
	defer func() { _ = sqlDB.Close() }()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "migrate dialect")
	}

	migrateCtx := ctx
	if p.cfg.MigrateTimeout > 0 {
		var cancel context.CancelFunc
		migrateCtx, cancel = context.WithTimeout(ctx, p.cfg.MigrateTimeout)
		defer cancel()
	}
	if err := goose.UpContext(migrateCtx, sqlDB, "migrations"); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

// Update runs fn in a read-write transaction.
func (p *Postgres) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return p.run(ctx, pgx.TxOptions{}, fn)
}

// View runs fn in a read-only transaction.
func (p *Postgres) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return p.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, fn)
}

func (p *Postgres) run(ctx context.Context, opts pgx.TxOptions, fn func(tx ledger.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}

// Close closes pool connections.
func (p *Postgres) Close() error {
	if p.db != nil {
		p.db.Close()
	}
	return nil
}
