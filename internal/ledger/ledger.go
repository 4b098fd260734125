// Package ledger records which donation messages were already credited, per
// broadcast, on top of a kv.Store.
package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/superchat-guard/internal/kv"
)

const keyPrefix = "validSuperchats:"

// Key returns the store key holding the credited ids for a broadcast.
func Key(videoID string) string {
	return keyPrefix + videoID
}

// Ledger is safe for concurrent use. Check-then-set is serialized per
// broadcast inside one process; the store itself is last-writer-wins.
type Ledger struct {
	store kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store kv.Store) *Ledger {
	return &Ledger{store: store, locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) lock(videoID string) func() {
	l.mu.Lock()
	m, ok := l.locks[videoID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[videoID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Ledger) AlreadyCredited(ctx context.Context, videoID, messageID string) (bool, error) {
	unlock := l.lock(videoID)
	defer unlock()

	ids, err := l.load(ctx, videoID)
	if err != nil {
		return false, err
	}
	return contains(ids, messageID), nil
}

// Credit appends messageID to the broadcast's list. It reports false without
// writing when the id is already present, so a lost race with another caller
// never produces a second credit.
func (l *Ledger) Credit(ctx context.Context, videoID, messageID string) (bool, error) {
	if strings.TrimSpace(videoID) == "" || strings.TrimSpace(messageID) == "" {
		return false, errors.New("ledger: video id and message id are required")
	}
	unlock := l.lock(videoID)
	defer unlock()

	ids, err := l.load(ctx, videoID)
	if err != nil {
		return false, err
	}
	if contains(ids, messageID) {
		return false, nil
	}

	ids = append(ids, messageID)
	buf, err := json.Marshal(ids)
	if err != nil {
		return false, errors.Wrap(err, "ledger: encode")
	}
	if err := l.store.Put(ctx, Key(videoID), string(buf)); err != nil {
		return false, errors.Wrap(err, "ledger: persist credit")
	}
	return true, nil
}

// Credited returns every id credited for a broadcast, oldest first.
func (l *Ledger) Credited(ctx context.Context, videoID string) ([]string, error) {
	unlock := l.lock(videoID)
	defer unlock()
	return l.load(ctx, videoID)
}

func (l *Ledger) load(ctx context.Context, videoID string) ([]string, error) {
	raw, ok, err := l.store.Get(ctx, Key(videoID))
	if err != nil {
		return nil, errors.Wrap(err, "ledger: load")
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, errors.Wrapf(err, "ledger: decode %s", Key(videoID))
	}
	return ids, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
