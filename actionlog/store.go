package actionlog

import (
	"context"
	"errors"

	"github.com/BaSui01/agenttree/persistence"
)

// Store reads and writes node logs through a DocumentStore.
type Store struct {
	docs persistence.DocumentStore
}

// NewStore wraps docs.
func NewStore(docs persistence.DocumentStore) *Store {
	return &Store{docs: docs}
}

// Load returns the node's log, or persistence.ErrNotFound.
func (s *Store) Load(ctx context.Context, taskKey, nodeID string) (*Log, error) {
	var l Log
	if err := persistence.LoadJSON(ctx, s.docs, persistence.ActionsKey(taskKey, nodeID), &l); err != nil {
		return nil, err
	}
	if l.Tail == nil {
		l.Tail = []Entry{}
	}
	return &l, nil
}

// LoadOrCreate returns the existing log or a fresh one.
func (s *Store) LoadOrCreate(ctx context.Context, taskKey, taskID, nodeID, agentID, input string) (*Log, error) {
	l, err := s.Load(ctx, taskKey, nodeID)
	if errors.Is(err, persistence.ErrNotFound) {
		return New(taskID, nodeID, agentID, input), nil
	}
	return l, err
}

// Save replaces the node's log document.
func (s *Store) Save(ctx context.Context, taskKey string, l *Log) error {
	return persistence.SaveJSON(ctx, s.docs, persistence.ActionsKey(taskKey, l.NodeID), l)
}

// Delete removes the node's log document.
func (s *Store) Delete(ctx context.Context, taskKey, nodeID string) error {
	return s.docs.Delete(ctx, persistence.ActionsKey(taskKey, nodeID))
}
