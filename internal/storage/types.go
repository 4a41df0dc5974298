// Package storage persists streak state, learned chat identities, notifier
// dedup keys and an audit trail of operator commands.
package storage

import (
	"context"
	"errors"
	"time"

	"forgewatch/internal/delegate"
)

var ErrDisabled = errors.New("storage disabled")

// Store is the persistence API used by the monitor, notifier and router.
//
// SaveStreaks replaces the whole state set atomically: a concurrent
// LoadStreaks sees either the previous set or the new one.
type Store interface {
	LoadStreaks(ctx context.Context) (delegate.States, error)
	SaveStreaks(ctx context.Context, states delegate.States) error

	// PutIdentity upserts by ID. A known ID keeps its position.
	PutIdentity(ctx context.Context, id delegate.ChatIdentity) error
	// ListIdentities returns identities in first-seen order.
	ListIdentities(ctx context.Context) ([]delegate.ChatIdentity, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	Close() error
}

// Config selects a driver.
//
//   - "file": JSON snapshots plus JSONL journals next to Path
//   - "sqlite": SQLite database at Path
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// AuditEntry records one operator command.
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Command       string    `json:"command"`
	Args          string    `json:"args,omitempty"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	TookMS        int64     `json:"took_ms"`
}
