package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// MemStore is an in-memory [Store] for single-process deployments and tests.
// Messages are kept per recipient in delivery order.
//
// Create instances with [NewMemStore].
type MemStore struct {
	mu    sync.RWMutex
	boxes map[string][]types.InboxMessage // key: recipient agent ID
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{boxes: make(map[string][]types.InboxMessage)}
}

// Deliver appends msg to the recipient's inbox, assigning ID and SentAt.
func (s *MemStore) Deliver(_ context.Context, msg types.InboxMessage) (types.InboxMessage, error) {
	msg.ID = uuid.NewString()
	msg.SentAt = time.Now().UTC()
	msg.Read = false

	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[msg.To] = append(s.boxes[msg.To], msg)
	return msg, nil
}

// Unread returns the recipient's unread messages, oldest first.
func (s *MemStore) Unread(_ context.Context, agentID string) ([]types.InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unread []types.InboxMessage
	for _, m := range s.boxes[agentID] {
		if !m.Read {
			unread = append(unread, m)
		}
	}
	return unread, nil
}

// MarkRead flags the given message IDs as read. Unknown IDs are ignored.
func (s *MemStore) MarkRead(_ context.Context, agentID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.boxes[agentID]
	for i := range box {
		if _, ok := idSet[box[i].ID]; ok {
			box[i].Read = true
		}
	}
	return nil
}

// History returns all messages for the recipient, oldest first, up to limit.
func (s *MemStore) History(_ context.Context, agentID string, limit int) ([]types.InboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	box := s.boxes[agentID]
	if limit > 0 && len(box) > limit {
		box = box[len(box)-limit:]
	}
	out := make([]types.InboxMessage, len(box))
	copy(out, box)
	return out, nil
}
