package tools

import (
	"testing"
)

func TestMCPTransport_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tr   MCPTransport
		want bool
	}{
		{MCPTransportStdio, true},
		{MCPTransportStreamableHTTP, true},
		{MCPTransport("sse"), false},
		{MCPTransport(""), false},
	}
	for _, tt := range tests {
		if got := tt.tr.IsValid(); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.tr, got, tt.want)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command  string
		wantExe  string
		wantArgs int
	}{
		{"/bin/server --port 8080", "/bin/server", 2},
		{"npx", "npx", 0},
		{"  docker   run   img  ", "docker", 2},
		{"", "", 0},
	}
	for _, tt := range tests {
		exe, args := splitCommand(tt.command)
		if exe != tt.wantExe || len(args) != tt.wantArgs {
			t.Errorf("splitCommand(%q) = (%q, %d args), want (%q, %d)",
				tt.command, exe, len(args), tt.wantExe, tt.wantArgs)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	// Nil and unconvertible values fall back to a permissive object schema.
	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("schemaToMap(nil) = %v", m)
	}
	if m := schemaToMap(make(chan int)); m["type"] != "object" {
		t.Errorf("schemaToMap(chan) = %v", m)
	}

	// A map passes through untouched.
	src := map[string]any{"type": "object", "properties": map[string]any{}}
	if m := schemaToMap(src); m["type"] != "object" {
		t.Errorf("schemaToMap(map) = %v", m)
	}

	// Structured values are converted through JSON.
	type schema struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(schema{Type: "object"}); m["type"] != "object" {
		t.Errorf("schemaToMap(struct) = %v", m)
	}
}
