// Package gateway exposes agent turns over a WebSocket endpoint.
//
// Clients connect, send invoke frames, and receive the turn's lifecycle as
// JSON frames: started, delta, debug, finished, error. Streaming turns can be
// cancelled mid-flight; blocking turns can be interrupted per agent.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/agent"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/orchestrator"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// Gateway accepts WebSocket connections and routes turn frames to agents.
type Gateway struct {
	mgr            *agent.Manager
	log            *slog.Logger
	originPatterns []string
}

// Option is a functional option for [Gateway].
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithOriginPatterns sets the allowed WebSocket origins (see
// websocket.AcceptOptions). Empty means same-origin only.
func WithOriginPatterns(patterns ...string) Option {
	return func(g *Gateway) { g.originPatterns = patterns }
}

// New creates a Gateway serving the agents held by mgr.
func New(mgr *agent.Manager, opts ...Option) *Gateway {
	g := &Gateway{mgr: mgr, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ServeHTTP upgrades the request to a WebSocket and serves frames until the
// client disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Warn("gateway: websocket accept failed", "err", err)
		return
	}

	c := &conn{
		ws:      ws,
		mgr:     g.mgr,
		log:     g.log.With("remote", r.RemoteAddr),
		streams: make(map[string]*orchestrator.StreamSession),
	}
	c.serve(r.Context())
}

// ─── frames ──────────────────────────────────────────────────────────────────

// clientFrame is a message from the client.
type clientFrame struct {
	// Type is one of: "invoke", "cancel", "interrupt", "agents".
	Type string `json:"type"`

	// TurnID identifies the turn. Assigned by the server when empty.
	TurnID string `json:"turn_id,omitempty"`

	AgentID string `json:"agent_id,omitempty"`
	Text    string `json:"text,omitempty"`

	// Stream selects incremental delivery for an invoke.
	Stream bool `json:"stream,omitempty"`

	// Debug requests lifecycle debug frames for this turn.
	Debug bool `json:"debug,omitempty"`
}

// serverFrame is a message to the client.
type serverFrame struct {
	// Type is one of: "started", "delta", "debug", "finished", "error",
	// "agents".
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`

	AgentID string `json:"agent_id,omitempty"`
	Text    string `json:"text,omitempty"`

	// debug frames
	Stage     string   `json:"stage,omitempty"`
	Step      int      `json:"step,omitempty"`
	ToolCalls []string `json:"tool_calls,omitempty"`

	// finished frames
	Usage *types.Usage `json:"usage,omitempty"`

	// error frames
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// agents frames
	Agents []string `json:"agents,omitempty"`
}

// ─── connection ──────────────────────────────────────────────────────────────

type conn struct {
	ws  *websocket.Conn
	mgr *agent.Manager
	log *slog.Logger

	// writeMu serialises frame writes; turn callbacks fire from several
	// goroutines.
	writeMu sync.Mutex

	streamMu sync.Mutex
	streams  map[string]*orchestrator.StreamSession
}

func (c *conn) serve(ctx context.Context) {
	defer c.cleanup()
	defer c.ws.Close(websocket.StatusNormalClosure, "bye")

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("gateway: connection closed", "err", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.writeError("", "", types.Errf(types.KindInvalidMessages, "gateway: malformed frame: %v", err))
			continue
		}
		c.dispatch(ctx, &frame)
	}
}

func (c *conn) dispatch(ctx context.Context, frame *clientFrame) {
	switch frame.Type {
	case "invoke":
		c.handleInvoke(ctx, frame)
	case "cancel":
		c.handleCancel(frame)
	case "interrupt":
		c.handleInterrupt(frame)
	case "agents":
		c.writeFrame(&serverFrame{Type: "agents", Agents: c.mgr.IDs()})
	default:
		c.writeError(frame.TurnID, frame.AgentID,
			types.Errf(types.KindInvalidMessages, "gateway: unknown frame type %q", frame.Type))
	}
}

func (c *conn) handleInvoke(ctx context.Context, frame *clientFrame) {
	ag, ok := c.mgr.Get(frame.AgentID)
	if !ok {
		c.writeError(frame.TurnID, frame.AgentID,
			types.Errf(types.KindInvalidMessages, "gateway: unknown agent %q", frame.AgentID))
		return
	}
	turnID := frame.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}

	hooks := orchestrator.Hooks{
		OnFinished: func(text string, usage types.Usage) {
			c.dropStream(turnID)
			c.writeFrame(&serverFrame{
				Type:    "finished",
				TurnID:  turnID,
				AgentID: frame.AgentID,
				Text:    text,
				Usage:   &usage,
			})
		},
		OnFailed: func(err *types.Error) {
			c.dropStream(turnID)
			c.writeError(turnID, frame.AgentID, err)
		},
	}
	if frame.Stream {
		hooks.OnDelta = func(text string) {
			c.writeFrame(&serverFrame{Type: "delta", TurnID: turnID, AgentID: frame.AgentID, Text: text})
		}
	}
	if frame.Debug {
		hooks.OnDebug = func(ev orchestrator.DebugEvent) {
			f := &serverFrame{
				Type:    "debug",
				TurnID:  turnID,
				AgentID: frame.AgentID,
				Stage:   string(ev.Stage),
				Step:    ev.Step,
			}
			for _, tc := range ev.ToolCalls {
				f.ToolCalls = append(f.ToolCalls, tc.Name)
			}
			c.writeFrame(f)
		}
	}

	if frame.Stream {
		// The started frame goes out before the stream opens: once OpenStream
		// returns, a fast transport may already be delivering deltas, and those
		// must not reach the client first.
		c.writeFrame(&serverFrame{Type: "started", TurnID: turnID, AgentID: frame.AgentID})
		sess, err := ag.StartStream(ctx, frame.Text, hooks)
		if err != nil {
			// OnFailed already delivered the classified error frame.
			c.log.Debug("gateway: stream start failed", "agent", frame.AgentID, "err", err)
			return
		}
		c.streamMu.Lock()
		c.streams[turnID] = sess
		c.streamMu.Unlock()
		return
	}

	c.writeFrame(&serverFrame{Type: "started", TurnID: turnID, AgentID: frame.AgentID})
	go func() {
		// Say reports through the hooks; the returned values are for
		// library callers.
		_, _ = ag.Say(ctx, frame.Text, hooks)
	}()
}

func (c *conn) handleCancel(frame *clientFrame) {
	c.streamMu.Lock()
	sess, ok := c.streams[frame.TurnID]
	delete(c.streams, frame.TurnID)
	c.streamMu.Unlock()

	if !ok {
		c.writeError(frame.TurnID, "",
			types.Errf(types.KindInvalidMessages, "gateway: no active stream for turn %q", frame.TurnID))
		return
	}
	sess.Cancel()
	c.writeError(frame.TurnID, "", types.Errf(types.KindInterrupted, "turn cancelled"))
}

func (c *conn) handleInterrupt(frame *clientFrame) {
	ag, ok := c.mgr.Get(frame.AgentID)
	if !ok {
		c.writeError(frame.TurnID, frame.AgentID,
			types.Errf(types.KindInvalidMessages, "gateway: unknown agent %q", frame.AgentID))
		return
	}
	ag.Interrupt()
}

// cleanup cancels any streams still attached to this connection.
func (c *conn) cleanup() {
	c.streamMu.Lock()
	streams := c.streams
	c.streams = make(map[string]*orchestrator.StreamSession)
	c.streamMu.Unlock()

	for _, sess := range streams {
		sess.Cancel()
	}
}

func (c *conn) dropStream(turnID string) {
	c.streamMu.Lock()
	delete(c.streams, turnID)
	c.streamMu.Unlock()
}

func (c *conn) writeError(turnID, agentID string, err *types.Error) {
	c.writeFrame(&serverFrame{
		Type:    "error",
		TurnID:  turnID,
		AgentID: agentID,
		Kind:    string(err.Kind),
		Message: err.Message,
	})
}

func (c *conn) writeFrame(f *serverFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("gateway: marshal frame", "err", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Writes use a background-derived context: a turn callback must not lose
	// its final frame because the read loop's context just ended.
	if err := c.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		c.log.Debug("gateway: write frame", "err", err)
	}
}
