package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChainPilot/internal/message"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	seq := 0
	cfg.SweepInterval = -1
	s := NewStore(cfg, WithClock(clock.Now), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("conv-%d", seq)
	}))
	t.Cleanup(s.Close)
	return s, clock
}

func userMessage(i int) message.Message {
	return message.Message{Role: message.RoleUser, Content: fmt.Sprintf("m%d", i)}
}

func TestUpdateTrimsToMostRecentMessages(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxMessages: 3})
	c := s.Create("0xabc")

	for i := 1; i <= 7; i++ {
		_, ok := s.Update(c.ID, userMessage(i))
		require.True(t, ok)
	}

	got, ok := s.Get(c.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "m5", got.Messages[0].Content)
	assert.Equal(t, "m6", got.Messages[1].Content)
	assert.Equal(t, "m7", got.Messages[2].Content)
}

func TestUpdateStampsMissingTimestamp(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	c := s.Create("0xabc")
	clock.Advance(time.Minute)

	explicit := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Update(c.ID, userMessage(1))
	updated, _ := s.Update(c.ID, message.Message{Role: message.RoleAssistant, Content: "hi", Timestamp: explicit})

	assert.Equal(t, clock.Now(), updated.Messages[0].Timestamp)
	assert.Equal(t, explicit, updated.Messages[1].Timestamp)
	assert.Equal(t, clock.Now(), updated.LastUpdatedAt)
	assert.True(t, updated.LastUpdatedAt.After(updated.CreatedAt))
}

func TestGetTreatsExpiredAsAbsent(t *testing.T) {
	s, clock := newTestStore(t, Config{Expiry: 30 * time.Minute})
	c := s.Create("0xabc")

	clock.Advance(30 * time.Minute)
	_, ok := s.Get(c.ID)
	assert.True(t, ok, "exactly at the expiry boundary the context is still live")

	clock.Advance(time.Second)
	_, ok = s.Get(c.ID)
	assert.False(t, ok)
	_, ok = s.Update(c.ID, userMessage(1))
	assert.False(t, ok)
	assert.Equal(t, 0, s.Stats().Contexts)
	assert.Equal(t, uint64(1), s.Stats().Expired)
}

func TestClearTreatsExpiredAsAbsent(t *testing.T) {
	s, clock := newTestStore(t, Config{Expiry: time.Minute})
	first := s.Create("0xabc")
	stale := s.Create("0xabc")

	clock.Advance(2 * time.Minute)
	_, ok := s.Get(stale.ID)
	require.False(t, ok)
	assert.False(t, s.Clear(stale.ID), "clear must agree with get for expired contexts")

	fresh := s.Create("0xdef")
	assert.True(t, s.Clear(fresh.ID))
	assert.False(t, s.Clear(fresh.ID))
	assert.False(t, s.Clear(first.ID), "expired context is not reported as cleared")
}

func TestUpdateRefreshesExpiry(t *testing.T) {
	s, clock := newTestStore(t, Config{Expiry: 10 * time.Minute})
	c := s.Create("0xabc")
	for i := 0; i < 3; i++ {
		clock.Advance(8 * time.Minute)
		_, ok := s.Update(c.ID, userMessage(i))
		require.True(t, ok)
	}
}

func TestCreateEvictsLeastRecentlyUpdated(t *testing.T) {
	s, clock := newTestStore(t, Config{MaxContexts: 2})
	first := s.Create("0x1")
	clock.Advance(time.Second)
	second := s.Create("0x2")
	clock.Advance(time.Second)
	s.Update(first.ID, userMessage(1))
	clock.Advance(time.Second)

	third := s.Create("0x3")

	_, ok := s.Get(second.ID)
	assert.False(t, ok, "second was updated least recently")
	_, ok = s.Get(first.ID)
	assert.True(t, ok)
	_, ok = s.Get(third.ID)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Evicted)
}

func TestCreateNeverEvictsTheNewContext(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxContexts: 1})
	s.Create("0x1")
	latest := s.Create("0x2")
	_, ok := s.Get(latest.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Stats().Contexts)
}

func TestClearOperations(t *testing.T) {
	s, clock := newTestStore(t, Config{Expiry: time.Minute})
	a := s.Create("0xAbC")
	s.Create("0xabc")
	s.Create("0xdef")

	assert.Equal(t, 2, s.ClearByOwner("0xABC"))
	assert.True(t, s.Clear(s.Create("0x9").ID))
	assert.False(t, s.Clear(a.ID))

	clock.Advance(2 * time.Minute)
	s.Create("0xnew")
	assert.Equal(t, 1, s.ClearExpired())
	assert.Equal(t, 1, s.ClearAll())
	assert.Equal(t, 0, s.Stats().Contexts)
}

func TestReturnedContextsAreCopies(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	c := s.Create("0xabc")
	updated, _ := s.Update(c.ID, userMessage(1))
	updated.Messages[0].Content = "tampered"
	updated.Messages = append(updated.Messages, userMessage(2))

	got, _ := s.Get(c.ID)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "m1", got.Messages[0].Content)
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	a := s.Create("0xabc")
	s.Create("0xABC")
	s.Update(a.ID, userMessage(1))
	s.Update(a.ID, userMessage(2))
	require.True(t, s.SetMetadata(a.ID, "channel", "web"))

	stats := s.Stats()
	assert.Equal(t, 2, stats.Contexts)
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, 1, stats.Owners)

	got, _ := s.Get(a.ID)
	assert.Equal(t, "web", got.Metadata["channel"])
}

func TestBackgroundSweepAndClose(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewStore(Config{Expiry: time.Minute, SweepInterval: 5 * time.Millisecond}, WithClock(clock.Now))
	s.Create("0xabc")
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return s.Stats().Contexts == 0 }, time.Second, 5*time.Millisecond)
	s.Close()
	s.Close()
}

func TestConcurrentUpdatesOnDifferentConversations(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxMessages: 50})
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = s.Create("0xabc").ID
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s.Update(id, userMessage(i))
			}
		}(id)
	}
	wg.Wait()
	for _, id := range ids {
		got, ok := s.Get(id)
		require.True(t, ok)
		assert.Len(t, got.Messages, 20)
	}
}

func TestRestoreRebuildsExpiredConversation(t *testing.T) {
	s, clock := newTestStore(t, Config{MaxMessages: 2, Expiry: time.Minute})

	first := s.Create("0xabc")
	clock.Advance(2 * time.Minute)
	_, ok := s.Get(first.ID)
	require.False(t, ok)

	restored := s.Restore(first.ID, "0xabc", []message.Message{
		{Role: message.RoleUser, Content: "one"},
		{Role: message.RoleAssistant, Content: "two"},
		{Role: message.RoleUser, Content: "three"},
	})
	assert.Equal(t, first.ID, restored.ID)
	require.Len(t, restored.Messages, 2)
	assert.Equal(t, "two", restored.Messages[0].Content)
	assert.False(t, restored.Messages[1].Timestamp.IsZero())

	again := s.Restore(first.ID, "0xabc", []message.Message{{Role: message.RoleUser, Content: "ignored"}})
	assert.Equal(t, "three", again.Messages[1].Content, "live conversation is returned unchanged")
}
