// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package mysqldialect implements the Dialect A target writer from
// spec.md §4.4: a MySQL-compatible server, written to with the
// insert-with-duplicate-key-update idiom and a per-row fallback.
package mysqldialect

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config configures a connection to a MySQL-compatible target.
type Config struct {
	Name string // logical target name, used in logs/metrics/checkpoints

	DSN         string
	PoolSize    int
	WaitStartup bool // retry on startup-type errors instead of failing fast
}

// Writer is the Dialect A target writer.
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

// Connect opens the connection pool and verifies liveness, retrying
// through startup-type errors when configured to, mirroring the
// teacher's OpenMySQLAsTarget ping-retry loop.
func (w *Writer) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", w.cfg.DSN)
	if err != nil {
		return errors.WithStack(err)
	}
	if w.cfg.PoolSize > 0 {
		db.SetMaxOpenConns(w.cfg.PoolSize)
	}
	w.db = db

ping:
	if err := w.db.PingContext(ctx); err != nil {
		if w.cfg.WaitStartup && isStartupError(err) {
			log.WithError(err).Info("waiting for mysql target to become ready")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				goto ping
			}
		}
		return errors.Wrap(err, "could not ping mysql target")
	}

	var version string
	if err := w.db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return errors.Wrap(err, "could not query mysql version")
	}
	log.WithFields(log.Fields{"target": w.cfg.Name, "version": version}).Info("connected to mysql target")
	return nil
}

// Disconnect closes the pool.
func (w *Writer) Disconnect(_ context.Context) error {
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Ping verifies liveness, transparently reconnecting on a broken
// connection per spec.md §4.4's connection-management contract.
func (w *Writer) Ping(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		log.WithError(err).Warn("mysql target ping failed, reconnecting")
		return w.Connect(ctx)
	}
	return nil
}

func isStartupError(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn)
}
