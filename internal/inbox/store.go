// Package inbox implements asynchronous agent-to-agent messaging.
//
// Agents do not call each other's turn machinery directly. A sender deposits
// a message into the recipient's inbox through a [Store]; the recipient
// consumes its unread backlog at the start of its next turn. Two store
// implementations are provided: an in-memory store for single-process
// deployments and tests, and a PostgreSQL store for persistence across
// restarts.
package inbox

import (
	"context"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// Store persists agent-to-agent messages. Implementations must be safe for
// concurrent use.
type Store interface {
	// Deliver appends msg to the recipient's inbox. The store assigns
	// msg.ID and msg.SentAt; the passed value's fields are used otherwise
	// as-is. Returns the stored message.
	Deliver(ctx context.Context, msg types.InboxMessage) (types.InboxMessage, error)

	// Unread returns the recipient's unread messages, oldest first.
	Unread(ctx context.Context, agentID string) ([]types.InboxMessage, error)

	// MarkRead flags the given message IDs as read for the recipient.
	// Unknown IDs are ignored.
	MarkRead(ctx context.Context, agentID string, ids []string) error

	// History returns all messages addressed to the recipient, oldest
	// first, up to limit. A non-positive limit returns everything.
	History(ctx context.Context, agentID string, limit int) ([]types.InboxMessage, error)
}
