// Package ledger remembers every recipient a message was confirmed sent to,
// so that no later run sends to them again.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store persists ledger entries. Append must be durable when it returns nil.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Append(ctx context.Context, recipient string) error
	Close() error
}

// Pinger is implemented by stores that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ledger is the in-memory view of a Store. Entries are never removed.
type Ledger struct {
	store Store

	mu      sync.RWMutex
	entries map[string]struct{}
}

// Open loads every persisted entry from store.
func Open(ctx context.Context, store Store) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}

	recipients, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	entries := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			entries[r] = struct{}{}
		}
	}

	return &Ledger{store: store, entries: entries}, nil
}

func (l *Ledger) Contains(recipient string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[recipient]
	return ok
}

// Record adds recipient and persists it. The entry stays in memory even when
// persisting fails, so the current process never sends to it twice.
func (l *Ledger) Record(ctx context.Context, recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	l.mu.Lock()
	if _, ok := l.entries[recipient]; ok {
		l.mu.Unlock()
		return nil
	}
	l.entries[recipient] = struct{}{}
	l.mu.Unlock()

	if err := l.store.Append(ctx, recipient); err != nil {
		return fmt.Errorf("failed to persist ledger entry: %w", err)
	}
	return nil
}

func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns the entries in sorted order.
func (l *Ledger) Snapshot() []string {
	l.mu.RLock()
	out := make([]string, 0, len(l.entries))
	for r := range l.entries {
		out = append(out, r)
	}
	l.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (l *Ledger) Ping(ctx context.Context) error {
	if p, ok := l.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
