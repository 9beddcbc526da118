package actor

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/protocol"
	"github.com/nstogner/sandbox/pkg/registry"
	"github.com/nstogner/sandbox/pkg/step"
	"github.com/nstogner/sandbox/pkg/store/sqlite"
)

// flakyStore wraps the sqlite store and can be told to fail saves.
type flakyStore struct {
	*sqlite.Store
	failSave atomic.Bool
	loads    atomic.Int32
}

func (s *flakyStore) Load(ctx context.Context, id string, opts domain.Options) (*domain.Session, error) {
	s.loads.Add(1)
	return s.Store.Load(ctx, id, opts)
}

func (s *flakyStore) Save(ctx context.Context, sess *domain.Session) error {
	if s.failSave.Load() {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, sess)
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// take returns and clears the decoded frames received so far.
func (c *fakeConn) take(t *testing.T) []protocol.Outbound {
	t.Helper()
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()

	out := make([]protocol.Outbound, 0, len(frames))
	for _, f := range frames {
		msg, err := protocol.DecodeOutbound(f)
		if err != nil {
			t.Fatalf("DecodeOutbound(%s): %v", f, err)
		}
		out = append(out, msg)
	}
	return out
}

func tags(msgs []protocol.Outbound) string {
	var parts []string
	for _, m := range msgs {
		parts = append(parts, string(m.Tag()))
	}
	return strings.Join(parts, ",")
}

type harness struct {
	store *flakyStore
	reg   *registry.Registry
	deps  Deps
	cfg   Config
}

func newHarness(t *testing.T, exec step.Executor) *harness {
	t.Helper()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{store: &flakyStore{Store: s}, reg: registry.New(nil)}
	h.deps = Deps{Store: h.store, Registry: h.reg, Executor: exec}
	h.cfg = Config{StepTimeout: time.Second}
	return h
}

func (h *harness) actor(id string) *Actor { return New(id, h.deps, h.cfg) }

func attach(t *testing.T, a *Actor, id string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: id}
	if _, err := a.Attach(context.Background(), c); err != nil {
		t.Fatalf("Attach(%s): %v", id, err)
	}
	return c
}

func send(a *Actor, connID string, msg protocol.Inbound) {
	a.Handle(context.Background(), connID, protocol.MustEncode(msg))
}

func hydration(t *testing.T, c *fakeConn) *domain.Session {
	t.Helper()
	msgs := c.take(t)
	if len(msgs) != 1 {
		t.Fatalf("got %q, want a single session:state", tags(msgs))
	}
	st, ok := msgs[0].(protocol.SessionState)
	if !ok {
		t.Fatalf("got %T, want SessionState", msgs[0])
	}
	return st.State
}

func encodeSession(t *testing.T, s *domain.Session) string {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return string(b)
}

func TestAttachFreshSession(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	if a.Lifecycle() != Unloaded {
		t.Fatalf("Lifecycle = %s, want unloaded", a.Lifecycle())
	}

	other := attach(t, a, "other")
	other.take(t)
	c := attach(t, a, "c1")
	if a.Lifecycle() != Ready {
		t.Errorf("Lifecycle = %s, want ready", a.Lifecycle())
	}

	got := hydration(t, c)
	if got.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", got.SessionID)
	}
	if got.Instructions != domain.DefaultInstructions {
		t.Errorf("Instructions = %q", got.Instructions)
	}
	if len(got.Messages) != 0 || len(got.ContextIDs) != 0 || len(got.Steps) != 0 || got.CurrentStepIndex != 0 {
		t.Errorf("fresh session not empty: %+v", got)
	}
	if msgs := other.take(t); len(msgs) != 0 {
		t.Errorf("existing connection received %q on attach", tags(msgs))
	}
}

func TestMessageSendBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	c1.take(t)
	c2.take(t)

	send(a, "c1", protocol.MessageSend{Content: "hello"})

	for _, c := range []*fakeConn{c1, c2} {
		msgs := c.take(t)
		if len(msgs) != 1 {
			t.Fatalf("%s got %q, want one state:updated", c.id, tags(msgs))
		}
		p := msgs[0].(protocol.StateUpdated).Partial
		if p.Messages == nil || len(*p.Messages) != 1 {
			t.Fatalf("%s patch messages = %v", c.id, p.Messages)
		}
		m := (*p.Messages)[0]
		if m.Type != domain.RoleUser || m.Content != "hello" || m.ID == "" {
			t.Errorf("%s message = %+v", c.id, m)
		}
		if p.ContextIDs == nil || len(*p.ContextIDs) != 1 || (*p.ContextIDs)[0] != m.ID {
			t.Errorf("%s contextIds = %v, want [%s]", c.id, p.ContextIDs, m.ID)
		}
		if p.Instructions != nil || p.Steps != nil {
			t.Errorf("%s patch carries unrelated fields: %+v", c.id, p)
		}
	}
}

func TestStateSurvivesEviction(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c := attach(t, a, "c1")
	c.take(t)

	send(a, "c1", protocol.InstructionsUpdate{Instructions: "be terse"})
	send(a, "c1", protocol.MessageSend{Content: "one"})
	send(a, "c1", protocol.ModelSelect{Model: "gemini-2.5-pro"})
	send(a, "c1", protocol.ToolsUpdate{EnabledTools: []string{"search"}})
	before, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if !a.Evict() {
		t.Fatal("Evict = false, want true")
	}
	if a.Lifecycle() != Unloaded {
		t.Errorf("Lifecycle = %s, want unloaded", a.Lifecycle())
	}
	if a.Evict() {
		t.Error("second Evict = true, want false")
	}

	// A brand new actor for the same id must observe the same state.
	fresh := h.actor("s1")
	got := hydration(t, attach(t, fresh, "c2"))
	if encodeSession(t, got) != encodeSession(t, before) {
		t.Errorf("rehydrated state differs\n got: %s\nwant: %s", encodeSession(t, got), encodeSession(t, before))
	}
	if got.Instructions != "be terse" || got.SelectedModel != "gemini-2.5-pro" {
		t.Errorf("rehydrated = %+v", got)
	}
	if n := h.store.loads.Load(); n != 2 {
		t.Errorf("loads = %d, want 2", n)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	c1.take(t)
	c2.take(t)
	before, _ := a.Snapshot(context.Background())

	h.store.failSave.Store(true)
	send(a, "c1", protocol.InstructionsUpdate{Instructions: "lost"})
	send(a, "c1", protocol.MessageSend{Content: "lost"})

	msgs := c1.take(t)
	if tags(msgs) != "error,error" {
		t.Fatalf("sender got %q, want error,error", tags(msgs))
	}
	if msg := msgs[0].(protocol.ErrorMessage).Message; msg != "failed to persist change" {
		t.Errorf("error message = %q", msg)
	}
	if msgs := c2.take(t); len(msgs) != 0 {
		t.Errorf("other connection got %q, want nothing", tags(msgs))
	}

	after, _ := a.Snapshot(context.Background())
	if encodeSession(t, after) != encodeSession(t, before) {
		t.Errorf("in-memory state changed after failed save")
	}

	h.store.failSave.Store(false)
	a.Evict()
	reloaded, _ := a.Snapshot(context.Background())
	if reloaded.Instructions != domain.DefaultInstructions || len(reloaded.Messages) != 0 {
		t.Errorf("failed mutation reached storage: %+v", reloaded)
	}
}

func TestBadFramesOnlyReachSender(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	c1.take(t)
	c2.take(t)
	before, _ := a.Snapshot(context.Background())

	frames := []string{
		`not json`,
		`{"content":"no type"}`,
		`{"type":"bogus:tag"}`,
		`{"type":"message:send"}`,
	}
	for _, f := range frames {
		a.Handle(context.Background(), "c1", []byte(f))
	}

	msgs := c1.take(t)
	if len(msgs) != len(frames) {
		t.Fatalf("sender got %q, want %d errors", tags(msgs), len(frames))
	}
	for i, m := range msgs {
		if m.Tag() != protocol.TagError {
			t.Errorf("reply %d = %s, want error", i, m.Tag())
		}
	}
	if !strings.Contains(msgs[2].(protocol.ErrorMessage).Message, "unknown message type") {
		t.Errorf("unknown tag reply = %q", msgs[2].(protocol.ErrorMessage).Message)
	}
	if msgs := c2.take(t); len(msgs) != 0 {
		t.Errorf("other connection got %q", tags(msgs))
	}
	after, _ := a.Snapshot(context.Background())
	if encodeSession(t, after) != encodeSession(t, before) {
		t.Error("bad frames changed state")
	}
}

func TestJoinResendsState(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	c1.take(t)
	c2.take(t)

	send(a, "c1", protocol.SessionJoin{})
	if got := hydration(t, c1); got.SessionID != "s1" {
		t.Errorf("SessionID = %q", got.SessionID)
	}
	if msgs := c2.take(t); len(msgs) != 0 {
		t.Errorf("join broadcast %q", tags(msgs))
	}
}

func TestContextUpdate(t *testing.T) {
	for _, strict := range []bool{false, true} {
		h := newHarness(t, nil)
		h.cfg.StrictContext = strict
		a := h.actor("s1")
		c := attach(t, a, "c1")
		c.take(t)

		send(a, "c1", protocol.MessageSend{Content: "x"})
		snap, _ := a.Snapshot(context.Background())
		id := snap.Messages[0].ID
		c.take(t)

		send(a, "c1", protocol.ContextUpdate{ContextIDs: []string{"ghost", id}})
		msgs := c.take(t)
		if len(msgs) != 1 {
			t.Fatalf("strict=%v got %q", strict, tags(msgs))
		}
		got := *msgs[0].(protocol.StateUpdated).Partial.ContextIDs
		want := []string{"ghost", id}
		if strict {
			want = []string{id}
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("strict=%v contextIds = %v, want %v", strict, got, want)
		}
	}
}

func TestStepExecute(t *testing.T) {
	var gotReq step.Request
	exec := step.Func(func(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
		gotReq = req
		onChunk(map[string]string{"text": "hi"})
		return &step.Result{
			Messages:     []domain.StoredMessage{{Content: "hi there"}},
			TokenCount:   7,
			FinishReason: "stop",
			ModelID:      "test-model",
		}, nil
	})
	h := newHarness(t, exec)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	send(a, "c1", protocol.MessageSend{Content: "question"})
	send(a, "c1", protocol.ContextUpdate{ContextIDs: []string{}})
	send(a, "c1", protocol.MessageSend{Content: "in context"})
	c1.take(t)
	c2.take(t)

	send(a, "c1", protocol.StepExecute{})

	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "in context" {
		t.Errorf("executor saw %+v, want only the in-context message", gotReq.Messages)
	}
	if gotReq.Instructions != domain.DefaultInstructions || gotReq.StepNumber != 0 || gotReq.Retry {
		t.Errorf("request = %+v", gotReq)
	}

	for _, c := range []*fakeConn{c1, c2} {
		msgs := c.take(t)
		if tags(msgs) != "step:start,step:chunk,state:updated,step:complete" {
			t.Fatalf("%s got %q", c.id, tags(msgs))
		}
		p := msgs[2].(protocol.StateUpdated).Partial
		if p.CurrentStepIndex == nil || *p.CurrentStepIndex != 1 {
			t.Errorf("currentStepIndex = %v, want 1", p.CurrentStepIndex)
		}
		if p.Steps == nil || len(*p.Steps) != 1 {
			t.Fatalf("steps = %v", p.Steps)
		}
		rec := msgs[3].(protocol.StepComplete).Step
		if rec.StepNumber != 0 || rec.TokenCount != 7 || rec.ModelID != "test-model" {
			t.Errorf("record = %+v", rec)
		}
	}

	snap, _ := a.Snapshot(context.Background())
	last := snap.Messages[len(snap.Messages)-1]
	if last.Type != domain.RoleAssistant || last.ID == "" || last.TokenEstimate == 0 {
		t.Errorf("assistant message = %+v", last)
	}
	if snap.ContextIDs[len(snap.ContextIDs)-1] != last.ID {
		t.Errorf("assistant message not in context: %v", snap.ContextIDs)
	}

	send(a, "c1", protocol.StepRetry{})
	if !gotReq.Retry || gotReq.StepNumber != 1 {
		t.Errorf("retry request = %+v", gotReq)
	}
	snap, _ = a.Snapshot(context.Background())
	if len(snap.Steps) != 2 || snap.Steps[1].StepNumber != 1 || snap.CurrentStepIndex != 2 {
		t.Errorf("after retry steps = %+v index = %d", snap.Steps, snap.CurrentStepIndex)
	}
}

func TestStepMetadataSurvivesEviction(t *testing.T) {
	var gotReq step.Request
	exec := step.Func(func(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
		gotReq = req
		return &step.Result{Messages: []domain.StoredMessage{{
			Content:  "answer",
			Metadata: map[string]any{"n": 1, "tags": []string{"x"}},
		}}}, nil
	})
	h := newHarness(t, exec)
	a := h.actor("s1")
	attach(t, a, "c1").take(t)

	send(a, "c1", protocol.StepExecute{})
	before, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(before.Messages) != 1 {
		t.Fatalf("messages = %+v", before.Messages)
	}

	a.Evict()
	after, err := a.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !reflect.DeepEqual(before.Messages[0].Metadata, after.Messages[0].Metadata) {
		t.Errorf("metadata changed across eviction\nbefore: %#v\n after: %#v",
			before.Messages[0].Metadata, after.Messages[0].Metadata)
	}
	if encodeSession(t, before) != encodeSession(t, after) {
		t.Errorf("state changed across eviction")
	}

	send(a, "c1", protocol.StepExecute{})
	if len(gotReq.Messages) != 1 || !reflect.DeepEqual(gotReq.Messages[0].Metadata, before.Messages[0].Metadata) {
		t.Errorf("executor saw %#v after reload", gotReq.Messages)
	}
}

func TestMessagesAreAppendOnly(t *testing.T) {
	exec := step.Func(func(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
		return &step.Result{Messages: []domain.StoredMessage{{Content: "answer"}}}, nil
	})
	h := newHarness(t, exec)
	a := h.actor("s1")
	attach(t, a, "c1").take(t)
	watcher := attach(t, a, "c2")
	watcher.take(t)

	var seen []string
	check := func(op string) {
		t.Helper()
		var patch *[]domain.StoredMessage
		for _, m := range watcher.take(t) {
			if u, ok := m.(protocol.StateUpdated); ok && u.Partial.Messages != nil {
				patch = u.Partial.Messages
			}
		}
		if patch == nil {
			t.Fatalf("%s: no messages patch", op)
		}
		if len(*patch) <= len(seen) {
			t.Fatalf("%s: messages = %d, want more than %d", op, len(*patch), len(seen))
		}
		for i, prev := range seen {
			b, _ := json.Marshal((*patch)[i])
			if string(b) != prev {
				t.Errorf("%s: message %d changed\n got: %s\nwant: %s", op, i, b, prev)
			}
		}
		seen = seen[:0]
		for _, m := range *patch {
			b, _ := json.Marshal(m)
			seen = append(seen, string(b))
		}
	}

	for _, content := range []string{"one", "two", "three"} {
		send(a, "c1", protocol.MessageSend{Content: content})
		check("send " + content)
	}
	send(a, "c1", protocol.StepExecute{})
	check("step")
	send(a, "c1", protocol.MessageSend{Content: "four"})
	check("send four")
	send(a, "c1", protocol.StepRetry{})
	check("retry")

	if len(seen) != 6 {
		t.Errorf("messages = %d, want 6", len(seen))
	}
}

func TestStepRejectsDuplicateIDs(t *testing.T) {
	tests := []struct {
		name   string
		result func(existing string) []domain.StoredMessage
	}{
		{
			name: "existing id",
			result: func(existing string) []domain.StoredMessage {
				return []domain.StoredMessage{{ID: existing, Content: "again"}}
			},
		},
		{
			name: "repeated in result",
			result: func(string) []domain.StoredMessage {
				return []domain.StoredMessage{{ID: "dup", Content: "a"}, {ID: "dup", Content: "b"}}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var existing string
			exec := step.Func(func(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
				return &step.Result{Messages: tt.result(existing)}, nil
			})
			h := newHarness(t, exec)
			a := h.actor("s1")
			c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
			send(a, "c1", protocol.MessageSend{Content: "one"})
			c1.take(t)
			c2.take(t)

			before, _ := a.Snapshot(context.Background())
			existing = before.Messages[0].ID

			send(a, "c1", protocol.StepExecute{})

			if got := tags(c1.take(t)); got != "step:start,error,step:error" {
				t.Errorf("sender got %q", got)
			}
			msgs := c2.take(t)
			if tags(msgs) != "step:start,step:error" {
				t.Fatalf("other got %q", tags(msgs))
			}
			if got := msgs[1].(protocol.StepError).Error; got != "step returned an invalid result" {
				t.Errorf("step:error = %q", got)
			}
			after, _ := a.Snapshot(context.Background())
			if encodeSession(t, after) != encodeSession(t, before) {
				t.Errorf("rejected step changed state\n got: %s\nwant: %s", encodeSession(t, after), encodeSession(t, before))
			}
		})
	}
}

func TestStepUnimplemented(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c := attach(t, a, "c1")
	c.take(t)

	send(a, "c1", protocol.StepExecute{})
	msgs := c.take(t)
	if tags(msgs) != "step:start,step:error" {
		t.Fatalf("got %q", tags(msgs))
	}
	if got := msgs[1].(protocol.StepError).Error; got != step.ErrNotImplemented.Error() {
		t.Errorf("step:error = %q", got)
	}
	snap, _ := a.Snapshot(context.Background())
	if len(snap.Steps) != 0 {
		t.Errorf("failed step recorded: %+v", snap.Steps)
	}
}

func TestStepTimeout(t *testing.T) {
	exec := step.Func(func(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, exec)
	h.cfg.StepTimeout = 20 * time.Millisecond
	a := h.actor("s1")
	c := attach(t, a, "c1")
	c.take(t)

	send(a, "c1", protocol.StepExecute{})
	msgs := c.take(t)
	if tags(msgs) != "step:start,step:error" {
		t.Fatalf("got %q", tags(msgs))
	}
	if got := msgs[1].(protocol.StepError).Error; !strings.Contains(got, "timed out") {
		t.Errorf("step:error = %q", got)
	}
}

func TestStepPersistFailure(t *testing.T) {
	exec := step.Func(func(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
		return &step.Result{Messages: []domain.StoredMessage{{Content: "answer"}}}, nil
	})
	h := newHarness(t, exec)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	c1.take(t)
	c2.take(t)

	h.store.failSave.Store(true)
	send(a, "c1", protocol.StepExecute{})

	if got := tags(c1.take(t)); got != "step:start,error,step:error" {
		t.Errorf("sender got %q", got)
	}
	if got := tags(c2.take(t)); got != "step:start,step:error" {
		t.Errorf("other got %q", got)
	}
	snap, _ := a.Snapshot(context.Background())
	if len(snap.Steps) != 0 || len(snap.Messages) != 0 {
		t.Errorf("rolled back step left state: %+v", snap)
	}
}

func TestBranches(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c1, c2 := attach(t, a, "c1"), attach(t, a, "c2")
	c1.take(t)
	c2.take(t)

	send(a, "c1", protocol.BranchCreate{Name: "alt"})
	msgs := c2.take(t)
	if len(msgs) != 1 {
		t.Fatalf("got %q, want one session:state", tags(msgs))
	}
	st := msgs[0].(protocol.SessionState).State
	if len(st.Branches) != 2 {
		t.Fatalf("branches = %+v", st.Branches)
	}
	alt := st.Branches[1]
	if alt.Name != "alt" || alt.ParentBranchID == nil || *alt.ParentBranchID != domain.MainBranchID {
		t.Errorf("branch = %+v", alt)
	}
	c1.take(t)

	send(a, "c1", protocol.BranchSwitch{BranchID: alt.ID})
	if st := hydration(t, c2); st.ActiveBranchID != alt.ID {
		t.Errorf("ActiveBranchID = %q, want %q", st.ActiveBranchID, alt.ID)
	}
	c1.take(t)

	send(a, "c1", protocol.BranchSwitch{BranchID: "nope"})
	if got := tags(c1.take(t)); got != "error" {
		t.Errorf("switch to missing branch got %q", got)
	}
	if got := tags(c2.take(t)); got != "" {
		t.Errorf("other got %q", got)
	}

	a.Evict()
	snap, _ := a.Snapshot(context.Background())
	if snap.ActiveBranchID != alt.ID || len(snap.Branches) != 2 {
		t.Errorf("branches not persisted: %+v", snap)
	}
}

func TestDetach(t *testing.T) {
	h := newHarness(t, nil)
	a := h.actor("s1")
	c := &fakeConn{id: "c1"}
	tok, err := a.Attach(context.Background(), c)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !a.Detach("c1", tok) {
		t.Fatal("Detach = false")
	}
	c.take(t)
	send(a, "c2", protocol.MessageSend{Content: "x"})
	if msgs := c.take(t); len(msgs) != 0 {
		t.Errorf("detached connection got %q", tags(msgs))
	}
}
