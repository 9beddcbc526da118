package main

import (
	"slices"
	"testing"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/mirror"
)

type fakeClient struct {
	mirror   *mirror.Mirror
	messages []string
	context  [][]string
	tools    [][]string
	steps    int
}

func (c *fakeClient) Mirror() *mirror.Mirror { return c.mirror }
func (c *fakeClient) SendMessage(s string) error {
	c.messages = append(c.messages, s)
	return nil
}
func (c *fakeClient) UpdateInstructions(string) error { return nil }
func (c *fakeClient) UpdateContext(ids []string) error {
	c.context = append(c.context, ids)
	return nil
}
func (c *fakeClient) SelectModel(string) error { return nil }
func (c *fakeClient) UpdateTools(t []string) error {
	c.tools = append(c.tools, t)
	return nil
}
func (c *fakeClient) ExecuteStep() error {
	c.steps++
	return nil
}
func (c *fakeClient) RetryStep() error          { return nil }
func (c *fakeClient) CreateBranch(string) error { return nil }
func (c *fakeClient) SwitchBranch(string) error { return nil }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "hello there", want: command{name: "message", arg: "hello there"}},
		{line: "/step", want: command{name: "step"}},
		{line: "/instructions  be terse ", want: command{name: "instructions", arg: "be terse"}},
		{line: "/context all", want: command{name: "context", arg: "all"}},
		{line: "/tools", want: command{name: "tools"}},
		{line: "/instructions", wantErr: true},
		{line: "/context some", wantErr: true},
		{line: "/bogus", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseCommand(tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCommand(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" a, ,b "); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("splitList = %v", got)
	}
	if got := splitList(""); got == nil || len(got) != 0 {
		t.Errorf("splitList(\"\") = %#v, want empty", got)
	}
}

func TestChunkText(t *testing.T) {
	chunks := []any{map[string]any{"text": "hel"}, "lo", map[string]any{"other": 1}}
	if got := chunkText(chunks); got != "hello" {
		t.Errorf("chunkText = %q, want %q", got, "hello")
	}
}

func TestSubmitRunsCommands(t *testing.T) {
	mi := mirror.New()
	s := domain.NewSession("s1", domain.Options{})
	s.Messages = append(s.Messages, domain.NewMessage(domain.RoleUser, "x"))
	mi.ApplyHydration(s)

	fc := &fakeClient{mirror: mi}
	m := initialModel(fc, "s1")

	for _, line := range []string{"hi", "/step", "/context none", "/context all", "/tools a,b"} {
		m.textarea.SetValue(line)
		next, cmd := m.submit()
		m = next
		if cmd == nil {
			t.Fatalf("%q produced no command", line)
		}
		if msg := cmd(); msg != nil {
			t.Fatalf("%q returned %v", line, msg)
		}
	}

	if !slices.Equal(fc.messages, []string{"hi"}) {
		t.Errorf("messages = %v", fc.messages)
	}
	if fc.steps != 1 {
		t.Errorf("steps = %d, want 1", fc.steps)
	}
	if len(fc.context) != 2 || len(fc.context[0]) != 0 || len(fc.context[1]) != 1 {
		t.Errorf("context updates = %v", fc.context)
	}
	if len(fc.tools) != 1 || !slices.Equal(fc.tools[0], []string{"a", "b"}) {
		t.Errorf("tools = %v", fc.tools)
	}
}

func TestModelSelectorOpensOnCurrent(t *testing.T) {
	mi := mirror.New()
	s := domain.NewSession("s1", domain.Options{Model: "gemini-2.5-pro"})
	mi.ApplyHydration(s)

	m := initialModel(&fakeClient{mirror: mi}, "s1")
	m.textarea.SetValue("/model")
	m, _ = m.submit()
	if m.state != stateSelectingModel {
		t.Fatalf("state = %v, want model selector", m.state)
	}
	if knownModels[m.cursor] != "gemini-2.5-pro" {
		t.Errorf("cursor on %q", knownModels[m.cursor])
	}
}
