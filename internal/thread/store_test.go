package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "threads.db"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendLoadOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if err := s.Append(ctx, "t1", RoleUser, TextContent(fmt.Sprintf("q%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.Append(ctx, "t1", RoleAssistant, TextContent(fmt.Sprintf("a%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, "other", RoleUser, TextContent("noise")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"q0", "a0", "q1", "a1", "q2", "a2"}
	if len(turns) != len(want) {
		t.Fatalf("Load returned %d turns, want %d", len(turns), len(want))
	}
	for i, w := range want {
		if turns[i].Content.Text != w {
			t.Errorf("turn %d = %q, want %q", i, turns[i].Content.Text, w)
		}
	}
	if turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Errorf("roles = %s,%s, want user,assistant", turns[0].Role, turns[1].Role)
	}
}

func TestStore_LoadBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range HistoryLimit + 10 {
		if err := s.Append(ctx, "t1", RoleUser, TextContent(fmt.Sprint(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	turns, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(turns) != HistoryLimit {
		t.Fatalf("Load returned %d turns, want %d", len(turns), HistoryLimit)
	}
	if turns[0].Content.Text != "10" {
		t.Errorf("oldest kept turn = %q, want 10", turns[0].Content.Text)
	}
	if last := turns[len(turns)-1].Content.Text; last != fmt.Sprint(HistoryLimit+9) {
		t.Errorf("newest turn = %q, want %d", last, HistoryLimit+9)
	}
}

func TestStore_LoadUnknownThread(t *testing.T) {
	s := newTestStore(t)
	turns, err := s.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("Load returned %d turns for unknown thread", len(turns))
	}
}

func TestStore_ImageTurnRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := ImageContent("", []Image{{Data: []byte("png-bytes"), MediaType: "image/png"}})
	if err := s.Append(ctx, "t1", RoleUser, content); err != nil {
		t.Fatalf("Append: %v", err)
	}

	turns, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := turns[0].Content
	if !got.IsBlocks() || len(got.Blocks) != 2 {
		t.Fatalf("content = %+v, want two blocks", got)
	}
	if got.Blocks[0].Type != "image" || got.Blocks[1].Type != "text" {
		t.Errorf("block order = %s,%s, want image,text", got.Blocks[0].Type, got.Blocks[1].Type)
	}
	if got.PlainText() != DefaultImagePrompt {
		t.Errorf("PlainText() = %q, want %q", got.PlainText(), DefaultImagePrompt)
	}
	imgs := got.Images()
	if len(imgs) != 1 || string(imgs[0].Data) != "png-bytes" || imgs[0].MediaType != "image/png" {
		t.Errorf("Images() = %+v", imgs)
	}
}

func TestContent_JSONShape(t *testing.T) {
	raw, err := json.Marshal(TextContent("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `"hello"` {
		t.Errorf("plain content encoded as %s, want a JSON string", raw)
	}

	var c Content
	if err := json.Unmarshal([]byte(`42`), &c); err == nil {
		t.Error("numeric content should not decode")
	}
}

func TestResolve_ThreadContinuity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sent := int64(1700000000123)
	if err := s.Register(ctx, sent, "abc123def456"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := s.Resolve(ctx, &sent); got != "abc123def456" {
		t.Errorf("Resolve(quoted) = %q, want abc123def456", got)
	}
}

func TestResolve_UnknownQuoteStartsNewThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unknown := int64(42)
	a := s.Resolve(ctx, &unknown)
	b := s.Resolve(ctx, nil)

	idPattern := regexp.MustCompile(`^[0-9a-f]{12}$`)
	for _, id := range []string{a, b} {
		if !idPattern.MatchString(id) {
			t.Errorf("minted id %q is not 12 hex chars", id)
		}
	}
	if a == b {
		t.Errorf("two fresh threads got the same id %q", a)
	}
}

func TestRegister_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Register(ctx, 7, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ctx, 7, "second"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Lookup(ctx, 7)
	if err != nil || !ok || got != "second" {
		t.Errorf("Lookup(7) = %q, %v, %v; want second, true, nil", got, ok, err)
	}
}

func TestLocker_SerializesSameThread(t *testing.T) {
	l := NewLocker()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("same")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if n := l.active(); n != 0 {
		t.Errorf("locker retained %d entries after release", n)
	}
}

func TestLocker_IndependentThreads(t *testing.T) {
	l := NewLocker()

	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on thread b blocked behind thread a")
	}
	unlockA()
}
