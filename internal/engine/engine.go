// Package engine holds the orchestration core: plan ingestion, the status
// event kernel, and the status projection. All plan mutations after creation
// happen inside kernel transactions; the engine itself performs no network
// side effects — deferred trigger requests are returned to the caller.
package engine

import (
	"database/sql"
	"log/slog"
	"time"

	"planline/internal/config"
	"planline/internal/events"
	"planline/internal/execution"
	"planline/internal/store"
)

type Engine struct {
	DB      *sql.DB
	Store   store.Store
	Events  events.Writer
	Trigger execution.Trigger
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, trigger execution.Trigger, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if trigger == nil {
		trigger = execution.Disabled{Logger: logger}
	}
	return Engine{
		DB:      db,
		Store:   store.Store{DB: db},
		Events:  events.Writer{},
		Trigger: trigger,
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}
