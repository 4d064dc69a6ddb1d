package agent

import (
	"context"
	"testing"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/inbox"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport/mock"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

func TestManager_AddGetRemove(t *testing.T) {
	t.Parallel()

	mgr := NewManager(&mock.Transport{}, nil)

	a, err := mgr.Add(Persona{ID: "alpha", Name: "Alpha"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID() != "alpha" || a.Name() != "Alpha" {
		t.Errorf("agent identity = (%q, %q)", a.ID(), a.Name())
	}

	if _, err := mgr.Add(Persona{ID: "alpha"}); err == nil {
		t.Error("Add accepted a duplicate ID")
	}
	if _, err := mgr.Add(Persona{}); err == nil {
		t.Error("Add accepted an empty ID")
	}

	got, ok := mgr.Get("alpha")
	if !ok || got != a {
		t.Error("Get did not return the registered agent")
	}
	if _, ok := mgr.Get("ghost"); ok {
		t.Error("Get found an unregistered agent")
	}

	if _, err := mgr.Add(Persona{ID: "beta"}); err != nil {
		t.Fatal(err)
	}
	ids := mgr.IDs()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("IDs = %v, want sorted [alpha beta]", ids)
	}

	if err := mgr.Remove("alpha"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := mgr.Remove("alpha"); err == nil {
		t.Error("Remove succeeded twice")
	}
	if _, ok := mgr.Get("alpha"); ok {
		t.Error("removed agent still resolvable")
	}
}

func TestManager_MessagingToolsRequireStore(t *testing.T) {
	t.Parallel()

	withStore := NewManager(&mock.Transport{}, inbox.NewMemStore())
	a, err := withStore.Add(Persona{ID: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Registry().Find("send_message"); !ok {
		t.Error("send_message missing with a store configured")
	}
	if _, ok := a.Registry().Find("check_inbox"); !ok {
		t.Error("check_inbox missing with a store configured")
	}

	without := NewManager(&mock.Transport{}, nil)
	b, err := without.Add(Persona{ID: "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if b.Registry().Len() != 0 {
		t.Errorf("registry has %d tools without a store, want 0", b.Registry().Len())
	}
}

func TestSendMessageTool(t *testing.T) {
	t.Parallel()

	store := inbox.NewMemStore()
	mgr := NewManager(&mock.Transport{}, store)
	sender, err := mgr.Add(Persona{ID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Add(Persona{ID: "bob"}); err != nil {
		t.Fatal(err)
	}

	send, ok := sender.Registry().Find("send_message")
	if !ok {
		t.Fatal("send_message not registered")
	}
	ctx := context.Background()

	if _, err := send(ctx, map[string]any{"target": "bob", "body": "meet at dawn"}); err != nil {
		t.Fatalf("send_message: %v", err)
	}
	unread, _ := store.Unread(ctx, "bob")
	if len(unread) != 1 || unread[0].From != "alice" || unread[0].Body != "meet at dawn" {
		t.Errorf("bob's inbox = %+v", unread)
	}

	// The sender identity is bound by the manager, not the arguments: an
	// agent cannot message itself or an unknown peer.
	if _, err := send(ctx, map[string]any{"target": "alice", "body": "hi me"}); err == nil {
		t.Error("self-send accepted")
	}
	if _, err := send(ctx, map[string]any{"target": "nobody", "body": "hello?"}); err == nil {
		t.Error("unknown target accepted")
	}
}

func TestCheckInboxTool(t *testing.T) {
	t.Parallel()

	store := inbox.NewMemStore()
	mgr := NewManager(&mock.Transport{}, store)
	a, err := mgr.Add(Persona{ID: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := store.Deliver(ctx, types.InboxMessage{From: "bob", To: "alice", Body: "ping"}); err != nil {
		t.Fatal(err)
	}

	check, ok := a.Registry().Find("check_inbox")
	if !ok {
		t.Fatal("check_inbox not registered")
	}
	out, err := check(ctx, nil)
	if err != nil {
		t.Fatalf("check_inbox: %v", err)
	}
	msgs := out.(map[string]any)["messages"].([]map[string]any)
	if len(msgs) != 1 || msgs[0]["from"] != "bob" || msgs[0]["body"] != "ping" {
		t.Errorf("messages = %+v", msgs)
	}

	// Reading consumes: a second check is empty.
	out, err = check(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msgs := out.(map[string]any)["messages"].([]map[string]any); len(msgs) != 0 {
		t.Errorf("second check returned %d messages, want 0", len(msgs))
	}
}

func TestManager_RemovedAgentUnreachableAsTarget(t *testing.T) {
	t.Parallel()

	store := inbox.NewMemStore()
	mgr := NewManager(&mock.Transport{}, store)
	sender, err := mgr.Add(Persona{ID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Add(Persona{ID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Remove("bob"); err != nil {
		t.Fatal(err)
	}

	send, _ := sender.Registry().Find("send_message")
	if _, err := send(context.Background(), map[string]any{"target": "bob", "body": "gone?"}); err == nil {
		t.Error("send to a removed agent accepted")
	}
}
