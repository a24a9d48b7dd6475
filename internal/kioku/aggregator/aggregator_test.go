package aggregator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/chat"
)

var base = time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)

// newIdle builds an aggregator without its background loop so tests drive
// sealing purely through injected times.
func newIdle(t *testing.T, timeout time.Duration) *Aggregator {
	t.Helper()
	return &Aggregator{
		cfg:    Config{GroupTimeout: timeout},
		groups: make(map[int64]*Group),
	}
}

func msg(chatID, msgID int64, text string) chat.Message {
	return chat.Message{MessageID: msgID, ChatID: chatID, UserID: 1, Text: text, Type: chat.ContentTypeText}
}

func TestAdd_OneGroupPerChat(t *testing.T) {
	a := newIdle(t, time.Hour)

	a.addAt(msg(1, 10, "first"), base)
	a.addAt(msg(1, 11, "second"), base.Add(time.Second))
	a.addAt(msg(2, 20, "other chat"), base.Add(2*time.Second))

	sealed := a.sealExpired(base.Add(48 * time.Hour))
	if len(sealed) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(sealed))
	}

	byChat := map[int64]*Group{}
	for _, g := range sealed {
		byChat[g.ChatID] = g
	}
	if g := byChat[1]; g == nil || len(g.Messages) != 2 {
		t.Errorf("chat 1 group wrong: %+v", g)
	}
	if g := byChat[2]; g == nil || len(g.Messages) != 1 {
		t.Errorf("chat 2 group wrong: %+v", g)
	}
	for _, g := range sealed {
		if g.UserID != 1 {
			t.Errorf("group carries wrong user: %d", g.UserID)
		}
	}
}

func TestSealExpired_RespectsTimeout(t *testing.T) {
	a := newIdle(t, 30*time.Second)

	a.addAt(msg(1, 10, "hello"), base)

	if sealed := a.sealExpired(base.Add(29 * time.Second)); len(sealed) != 0 {
		t.Fatalf("sealed too early: %d groups", len(sealed))
	}
	sealed := a.sealExpired(base.Add(30 * time.Second))
	if len(sealed) != 1 {
		t.Fatalf("expected seal at timeout, got %d groups", len(sealed))
	}
	if sealed[0].FirstTS != base || sealed[0].LastTS != base {
		t.Errorf("timestamps wrong: first=%v last=%v", sealed[0].FirstTS, sealed[0].LastTS)
	}
}

func TestSealExpired_WindowSlidesWithActivity(t *testing.T) {
	a := newIdle(t, 30*time.Second)

	a.addAt(msg(1, 10, "part one"), base)
	a.addAt(msg(1, 11, "part two"), base.Add(20*time.Second))

	// 30s after the first message, but only 10s after the last: still open.
	if sealed := a.sealExpired(base.Add(30 * time.Second)); len(sealed) != 0 {
		t.Fatal("window should slide with the last message")
	}

	sealed := a.sealExpired(base.Add(50 * time.Second))
	if len(sealed) != 1 || len(sealed[0].Messages) != 2 {
		t.Fatalf("expected one group of 2 messages, got %v", sealed)
	}
}

func TestAdd_AfterSealStartsNewGroup(t *testing.T) {
	a := newIdle(t, 30*time.Second)

	a.addAt(msg(1, 10, "old"), base)
	sealed := a.sealExpired(base.Add(time.Minute))
	if len(sealed) != 1 {
		t.Fatalf("expected 1 sealed group, got %d", len(sealed))
	}
	oldID := sealed[0].ID

	a.addAt(msg(1, 11, "new"), base.Add(2*time.Minute))
	sealed = a.sealExpired(base.Add(5 * time.Minute))
	if len(sealed) != 1 {
		t.Fatalf("expected new group, got %d", len(sealed))
	}
	if sealed[0].ID == oldID {
		t.Error("sealed group was reused for a new message")
	}
	if sealed[0].Messages[0].MessageID != 11 {
		t.Errorf("new group holds wrong message: %+v", sealed[0].Messages)
	}
}

func TestAdd_FullGroupDispatchesImmediately(t *testing.T) {
	got := make(chan *Group, 1)
	a := New(Config{GroupTimeout: time.Hour, MaxGroupMessages: 3}, func(g *Group) {
		got <- g
	})
	defer a.Stop()

	a.Add(msg(1, 10, "one"))
	a.Add(msg(1, 11, "two"))
	a.Add(msg(1, 12, "three"))

	select {
	case g := <-got:
		if len(g.Messages) != 3 {
			t.Fatalf("expected a full group of 3, got %d", len(g.Messages))
		}
	case <-time.After(time.Second):
		t.Fatal("full group was not dispatched immediately")
	}

	// The next message opens a fresh group rather than appending.
	a.Add(msg(1, 13, "four"))
	sealed := a.sealExpired(time.Now().Add(2 * time.Hour))
	if len(sealed) != 1 || len(sealed[0].Messages) != 1 {
		t.Fatalf("expected a fresh single-message group, got %v", sealed)
	}
}

func TestGroupHash(t *testing.T) {
	g1 := &Group{Messages: []chat.Message{msg(1, 10, "a"), msg(1, 11, "b")}}
	g2 := &Group{Messages: []chat.Message{msg(1, 10, "a"), msg(1, 11, "b")}}
	g3 := &Group{Messages: []chat.Message{msg(1, 10, "a"), msg(1, 11, "c")}}

	if g1.Hash() != g2.Hash() {
		t.Error("hash should be stable for identical content")
	}
	if g1.Hash() == g3.Hash() {
		t.Error("hash should change with content")
	}
	if len(g1.Hash()) != 16 {
		t.Errorf("hash is not a 64-bit hex digest: %q", g1.Hash())
	}
}

func TestStop_FlushesOpenGroups(t *testing.T) {
	got := make(chan *Group, 2)
	a := New(Config{GroupTimeout: time.Hour}, func(g *Group) {
		got <- g
	})

	a.Add(msg(1, 10, "pending"))
	a.Add(msg(2, 20, "also pending"))
	a.Stop()

	// Stop dispatches open groups before returning.
	byChat := map[int64]*Group{}
	for i := 0; i < 2; i++ {
		select {
		case g := <-got:
			byChat[g.ChatID] = g
		default:
			t.Fatalf("only %d open groups flushed at stop", i)
		}
	}
	if g := byChat[1]; g == nil || g.Messages[0].MessageID != 10 {
		t.Errorf("chat 1 flush wrong: %+v", g)
	}
	if g := byChat[2]; g == nil || g.Messages[0].MessageID != 20 {
		t.Errorf("chat 2 flush wrong: %+v", g)
	}
}

func TestDispatch_ExactlyOnce(t *testing.T) {
	var dispatches atomic.Int32
	got := make(chan *Group, 4)

	a := New(Config{GroupTimeout: 40 * time.Millisecond, Tick: 10 * time.Millisecond}, func(g *Group) {
		dispatches.Add(1)
		got <- g
	})
	defer a.Stop()

	a.Add(msg(1, 10, "hello"))

	select {
	case g := <-got:
		if g.ChatID != 1 || len(g.Messages) != 1 {
			t.Errorf("dispatched group wrong: %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("group never dispatched")
	}

	time.Sleep(150 * time.Millisecond)
	if n := dispatches.Load(); n != 1 {
		t.Errorf("group dispatched %d times, want exactly once", n)
	}
}

func TestStop_WaitsForInFlightDispatch(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	a := New(Config{GroupTimeout: 10 * time.Millisecond, Tick: 5 * time.Millisecond}, func(*Group) {
		close(started)
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
	})

	a.Add(msg(1, 10, "hello"))
	<-started
	a.Stop()

	if !finished.Load() {
		t.Error("Stop returned while a dispatch was in flight")
	}
}

func TestDispatch_CallbackMayAdd(t *testing.T) {
	redispatched := make(chan *Group, 1)
	var first atomic.Bool

	var a *Aggregator
	a = New(Config{GroupTimeout: 20 * time.Millisecond, Tick: 5 * time.Millisecond}, func(g *Group) {
		if first.CompareAndSwap(false, true) {
			// Re-entering Add from the callback must not deadlock.
			a.Add(msg(g.ChatID, 99, "follow-up"))
			return
		}
		redispatched <- g
	})
	defer a.Stop()

	a.Add(msg(1, 10, "hello"))

	select {
	case g := <-redispatched:
		if g.Messages[0].MessageID != 99 {
			t.Errorf("second group holds wrong message: %+v", g.Messages)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up group never dispatched")
	}
}
