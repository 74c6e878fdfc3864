// Package oracledialect implements the Dialect B target writer from
// spec.md §4.4: a commercial enterprise SQL server, written to with a
// MERGE matched/not-matched statement, applied row-by-row.
package oracledialect

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/sijms/go-ora/v2" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config configures a connection to an Oracle-compatible target.
type Config struct {
	Name string

	DSN         string
	PoolSize    int
	WaitStartup bool
}

// Writer is the Dialect B target writer.
type Writer struct {
	cfg Config
	db  *sql.DB
}

// New constructs a Writer. Connect must be called before use.
func New(cfg Config) *Writer {
	return &Writer{cfg: cfg}
}

// Name implements target.Name.
func (w *Writer) Name() string { return w.cfg.Name }

// Connect opens the connection pool and verifies liveness.
func (w *Writer) Connect(ctx context.Context) error {
	db, err := sql.Open("oracle", w.cfg.DSN)
	if err != nil {
		return errors.WithStack(err)
	}
	if w.cfg.PoolSize > 0 {
		db.SetMaxOpenConns(w.cfg.PoolSize)
	}
	w.db = db

ping:
	if err := w.db.PingContext(ctx); err != nil {
		if w.cfg.WaitStartup {
			log.WithError(err).Info("waiting for oracle target to become ready")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				goto ping
			}
		}
		return errors.Wrap(err, "could not ping oracle target")
	}

	log.WithField("target", w.cfg.Name).Info("connected to oracle target")
	return nil
}

// Disconnect closes the pool.
func (w *Writer) Disconnect(_ context.Context) error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Ping verifies liveness, transparently reconnecting on failure.
func (w *Writer) Ping(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		log.WithError(err).Warn("oracle target ping failed, reconnecting")
		return w.Connect(ctx)
	}
	return nil
}
