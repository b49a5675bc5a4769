package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaximeRivest/mrmd-sync/internal/config"
	"github.com/MaximeRivest/mrmd-sync/internal/logging"
	"github.com/MaximeRivest/mrmd-sync/internal/replica"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DebounceMs = 20
	cfg.SnapshotIntervalMs = 50
	cfg.DocCleanupDelayMs = 200
	return cfg
}

func startCoordinator(t *testing.T, name string, cfg *config.Config, store *memStore) (*Coordinator, context.CancelFunc) {
	t.Helper()
	logger := logging.Discard()
	c, err := New(name, cfg, store, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return c, cancel
}

func textOf(c *Coordinator) string {
	ch := make(chan string, 1)
	c.Submit(func() { ch <- c.rep.Text() })
	return <-ch
}

// pushEdit builds an update on a standalone peer replica seeded with the
// coordinator's full state, then delivers it the way the hub would: as a
// sync frame carrying an update envelope.
func pushEdit(t *testing.T, c *Coordinator, clientID string, edit func(r *replica.Replica)) {
	t.Helper()
	peer := replica.New()
	full := make(chan []byte, 1)
	c.Submit(func() {
		state, err := c.rep.EncodeStateAsUpdate()
		require.NoError(t, err)
		full <- state
	})
	_, err := peer.ApplyUpdate(<-full, "seed")
	require.NoError(t, err)

	var blob []byte
	peer.OnUpdate(func(b []byte, origin string) { blob = b })
	edit(peer)
	require.NotNil(t, blob)
	c.ApplyClientSync(clientID, peer.WriteUpdate(blob))
}

func TestCoordinator_JoinOpensSyncHandshake(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.WriteText(context.Background(), "doc.md", "hello"))

	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	sub := newFakeSub("alice")
	c.Join(sub)

	require.Eventually(t, func() bool { return sub.count(MsgSyncStep1) == 1 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_SyncStateVectorGetsMissingOpsReply(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.WriteText(context.Background(), "doc.md", "hello"))

	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	sub := newFakeSub("alice")
	c.Join(sub)
	require.Eventually(t, func() bool { return sub.count(MsgSyncStep1) == 1 }, time.Second, 5*time.Millisecond)

	peer := replica.New()
	sv, err := peer.WriteSyncStep1()
	require.NoError(t, err)
	c.ApplyClientSync("alice", sv)

	require.Eventually(t, func() bool { return sub.count(MsgSyncReply) == 1 }, time.Second, 5*time.Millisecond)

	reply := sub.last(MsgSyncReply)
	_, err = peer.ReadSyncMessage(reply, "server")
	require.NoError(t, err)
	assert.Equal(t, "hello", peer.Text())
}

func TestCoordinator_BroadcastsUpdatesExceptToOrigin(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	alice := newFakeSub("alice")
	bob := newFakeSub("bob")
	c.Join(alice)
	c.Join(bob)
	require.Eventually(t, func() bool {
		return alice.count(MsgSyncStep1) == 1 && bob.count(MsgSyncStep1) == 1
	}, time.Second, 5*time.Millisecond)

	pushEdit(t, c, "alice", func(r *replica.Replica) { r.Insert(0, "hi") })

	require.Eventually(t, func() bool { return bob.count(MsgUpdate) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, alice.count(MsgUpdate))
	assert.Equal(t, "hi", textOf(c))
}

func TestCoordinator_DebouncedFlushPersistsText(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	pushEdit(t, c, "alice", func(r *replica.Replica) { r.Insert(0, "written by a client") })

	require.Eventually(t, func() bool {
		return store.textOf("doc.md") == "written by a client"
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_SecondDebounceWithoutEditsDoesNotSave(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	pushEdit(t, c, "alice", func(r *replica.Replica) { r.Insert(0, "once") })

	require.Eventually(t, func() bool { return store.writeCount("doc.md") == 1 }, time.Second, 5*time.Millisecond)

	// Force another flush with no intervening edit; the write counter must
	// not move.
	c.Submit(func() { c.dirty = true; c.flush(context.Background()) })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.writeCount("doc.md"))
}

func TestCoordinator_ExternalChangeReconcilesWithoutClobberingConcurrentEdit(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.WriteText(context.Background(), "doc.md", "one two"))

	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	// A remote peer concurrently appends " three" via the hub.
	pushEdit(t, c, "alice", func(r *replica.Replica) { r.Insert(len("one two"), " three") })
	require.Eventually(t, func() bool { return textOf(c) == "one two three" }, time.Second, 5*time.Millisecond)

	// An external tool edits the file on disk, changing "one" to "ONE".
	c.ApplyExternalChange("ONE two")

	require.Eventually(t, func() bool { return textOf(c) == "ONE two three" }, time.Second, 10*time.Millisecond)
}

func TestCoordinator_ExternalEchoOfOwnWriteIsIgnored(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	sub := newFakeSub("alice")
	c.Join(sub)
	pushEdit(t, c, "alice", func(r *replica.Replica) { r.Insert(0, "stable text") })
	require.Eventually(t, func() bool { return store.textOf("doc.md") == "stable text" }, time.Second, 5*time.Millisecond)

	before := sub.count(MsgUpdate)
	// The watcher reporting the text we just wrote must cause neither a
	// replica mutation nor a broadcast.
	c.ApplyExternalChange("stable text")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, before, sub.count(MsgUpdate))
	assert.Equal(t, 1, store.writeCount("doc.md"))
	assert.Equal(t, "stable text", textOf(c))
}

func TestCoordinator_ShutdownFlushPersistsPendingEdit(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.DebounceMs = 60000 // never fires during the test
	c, cancel := startCoordinator(t, "doc.md", cfg, store)

	pushEdit(t, c, "alice", func(r *replica.Replica) { r.Insert(0, "late edit") })
	require.Eventually(t, func() bool { return textOf(c) == "late edit" }, time.Second, 5*time.Millisecond)

	cancel()
	<-c.Done()
	assert.Equal(t, "late edit", store.textOf("doc.md"))
}

func TestCoordinator_IdleTimerFiresEvictedSignal(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	select {
	case <-c.Evicted():
	case <-time.After(time.Second):
		t.Fatal("idle eviction signal never fired")
	}
}

func TestCoordinator_JoinCancelsIdleEviction(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	c.Join(newFakeSub("alice"))

	select {
	case <-c.Evicted():
		t.Fatal("coordinator evicted despite a live client")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestCoordinator_HydratesSnapshotThenReplacesWithStoredText(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// Snapshot from a previous session holds "abc"; the file on disk was
	// edited externally after the crash and holds "abcd".
	prev := replica.New()
	prev.Insert(0, "abc")
	snap, err := prev.EncodeStateAsUpdate()
	require.NoError(t, err)
	require.NoError(t, store.WriteSnapshot(ctx, "doc.md", snap))
	require.NoError(t, store.WriteText(ctx, "doc.md", "abcd"))

	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	assert.Equal(t, "abcd", textOf(c))
}

func TestCoordinator_SnapshotMatchingTextDoesNotDoubleContent(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	prev := replica.New()
	prev.Insert(0, "same content")
	snap, err := prev.EncodeStateAsUpdate()
	require.NoError(t, err)
	require.NoError(t, store.WriteSnapshot(ctx, "doc.md", snap))
	require.NoError(t, store.WriteText(ctx, "doc.md", "same content"))

	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	assert.Equal(t, "same content", textOf(c))
}

func TestCoordinator_LoadErrorStartsEmpty(t *testing.T) {
	store := newMemStore()
	store.failReads = true

	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	assert.Equal(t, "", textOf(c))
}

func TestCoordinator_LeaveRemovesPresence(t *testing.T) {
	store := newMemStore()
	c, cancel := startCoordinator(t, "doc.md", testConfig(), store)
	defer cancel()

	sub := newFakeSub("alice")
	c.Join(sub)
	c.ApplyClientPresence("alice", []byte(`{"entries":[{"clientId":"alice","state":{"cursor":0}}]}`))

	require.Eventually(t, func() bool { return c.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	hasPresence := func() bool {
		ch := make(chan bool, 1)
		c.Submit(func() { _, ok := c.presence.States()["alice"]; ch <- ok })
		return <-ch
	}
	require.True(t, hasPresence())

	c.Leave("alice")
	require.Eventually(t, func() bool { return c.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, hasPresence())
}
