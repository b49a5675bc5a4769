// Package coordinator implements the per-document actor: one goroutine
// owning a Replica, a Presence set, and every live client subscriber for a
// single document name, serializing all mutation through a command channel.
// Debounced saves, periodic recovery snapshots, external-change
// reconciliation, and idle eviction all run on that one goroutine, so the
// replica and its bookkeeping never need a lock of their own.
package coordinator

import (
	"context"
	"time"

	"github.com/MaximeRivest/mrmd-sync/internal/config"
	"github.com/MaximeRivest/mrmd-sync/internal/diffscript"
	"github.com/MaximeRivest/mrmd-sync/internal/logging"
	"github.com/MaximeRivest/mrmd-sync/internal/replica"
	"github.com/MaximeRivest/mrmd-sync/internal/storage"
)

// Subscriber is one live connection to a document, implemented by the hub's
// socket wrapper. Send must not block the coordinator goroutine for long;
// the hub is expected to buffer or drop slow readers at the socket layer.
type Subscriber interface {
	ID() string
	Send(messageType byte, payload []byte) error
}

// Wire message types exchanged with subscribers, kept as a single byte tag
// so the hub's socket framing stays trivial. The first three all travel as
// sync frames on the wire; subscribers tell them apart by the message
// envelope inside the payload.
const (
	MsgSyncStep1 byte = 1
	MsgSyncReply byte = 2
	MsgUpdate    byte = 3
	MsgPresence  byte = 4
)

// Coordinator owns one document's live state.
type Coordinator struct {
	name    string
	cfg     *config.Config
	backend storage.Backend
	log     *logging.Logger

	cmds    chan func()
	done    chan struct{}
	evicted chan struct{}

	rep      *replica.Replica
	presence *replica.Presence
	subs     map[string]Subscriber

	dirty       bool
	writingIn   bool
	debounceTmr *time.Timer
	snapshotTmr *time.Ticker
	idleTmr     *time.Timer

	// lastPersisted is the text most recently confirmed on durable
	// storage; a flush that would rewrite it is skipped, and an inbound
	// external change equal to it is recognized as the echo of our own
	// write.
	lastPersisted string

	remoteHook func(blob []byte, origin string)
}

// New creates a Coordinator for name and hydrates its initial state: the
// recovery snapshot first (if enabled), then the stored text, replacing the
// replica's content when the two disagree — the snapshot may be stale
// relative to an external edit that landed after the crash. A load failure
// is not fatal; the document starts empty and the error is logged.
// The caller must run Run in its own goroutine before using the Coordinator.
func New(name string, cfg *config.Config, backend storage.Backend, logger *logging.Logger) (*Coordinator, error) {
	ctx := context.Background()

	rep := replica.New()
	if cfg.PersistYjsState {
		if snap, ok, err := backend.ReadSnapshot(ctx, name); err != nil {
			logger.Warnf("coordinator: %s: read snapshot: %v", name, err)
		} else if ok {
			if _, err := rep.ApplyUpdate(snap, "storage"); err != nil {
				logger.Warnf("coordinator: %s: discarding unreadable snapshot: %v", name, err)
			}
		}
	}

	text, found, err := backend.ReadText(ctx, name)
	if err != nil {
		logger.Warnf("coordinator: %s: load failed, starting empty: %v", name, err)
		text, found = "", false
	}
	if found && text != rep.Text() {
		if n := len([]rune(rep.Text())); n > 0 {
			rep.Delete(0, n)
		}
		if text != "" {
			rep.Insert(0, text)
		}
	}

	c := &Coordinator{
		name:          name,
		cfg:           cfg,
		backend:       backend,
		log:           logger,
		cmds:          make(chan func(), 256),
		done:          make(chan struct{}),
		evicted:       make(chan struct{}, 1),
		rep:           rep,
		presence:      replica.NewPresence(),
		subs:          make(map[string]Subscriber),
		lastPersisted: text,
	}
	// A snapshot-recovered document whose text never reached storage is
	// dirty from birth; the first flush persists it.
	c.dirty = rep.Text() != text

	c.rep.OnUpdate(func(blob []byte, origin string) {
		c.dirty = true
		if !c.writingIn {
			c.scheduleDebounce()
		}
		c.broadcastUpdate(blob, origin)
	})
	c.presence.OnChange(func(added, updated, removed []string) {
		c.broadcastPresence(added, updated, removed)
	})

	return c, nil
}

// Run processes commands until ctx is canceled, then performs the shutdown
// flush: a final synchronous write of any unpersisted text plus one last
// recovery snapshot.
func (c *Coordinator) Run(ctx context.Context) {
	c.snapshotTmr = time.NewTicker(c.cfg.SnapshotInterval())
	defer c.snapshotTmr.Stop()
	c.resetIdleTimer()

	for {
		select {
		case <-ctx.Done():
			c.drainCmds()
			c.flush(context.Background())
			c.persistSnapshot(context.Background())
			close(c.done)
			return
		case fn := <-c.cmds:
			fn()
		case <-c.tickChan(c.debounceTmr):
			c.flush(ctx)
		case <-c.snapshotTmr.C:
			c.persistSnapshot(ctx)
		case <-c.tickChan(c.idleTmr):
			c.idleTmr = nil
			select {
			case c.evicted <- struct{}{}:
			default:
			}
		}
	}
}

// drainCmds runs every command already queued at shutdown, so an update
// delivered just before Close is still reflected in the final flush.
func (c *Coordinator) drainCmds() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		default:
			return
		}
	}
}

// tickChan returns t.C if t is non-nil, or a channel that never fires.
func (c *Coordinator) tickChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Done reports when Run has finished flushing and exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Evicted fires once when the idle timer elapses with the client set still
// believed empty. The hub must re-check ConnectionCount() before actually
// tearing down (a client may have joined in the race between the timer
// firing and the hub acting on it) and, if still empty, cancel this
// Coordinator's Run context and remove it from its index.
func (c *Coordinator) Evicted() <-chan struct{} { return c.evicted }

// Submit enqueues fn to run on the coordinator goroutine, blocking until it
// is accepted (not until it runs).
func (c *Coordinator) Submit(fn func()) {
	c.cmds <- fn
}

// Join registers sub as a live subscriber and opens the sync handshake: one
// sync-step-1 message carrying this replica's state vector, followed by a
// presence snapshot iff any client currently has presence state.
func (c *Coordinator) Join(sub Subscriber) {
	c.Submit(func() {
		c.subs[sub.ID()] = sub
		c.cancelIdleTimer()

		sv, err := c.rep.WriteSyncStep1()
		if err != nil {
			c.log.Errorf("coordinator: %s: encode sync step 1: %v", c.name, err)
			return
		}
		if err := sub.Send(MsgSyncStep1, sv); err != nil {
			c.log.Debugf("coordinator: %s: send sync step 1 to %s: %v", c.name, sub.ID(), err)
		}

		if len(c.presence.States()) > 0 {
			if states, err := c.presence.EncodeUpdate(nil); err == nil {
				sub.Send(MsgPresence, states)
			}
		}
	})
}

// Leave removes a subscriber and its presence entry.
func (c *Coordinator) Leave(clientID string) {
	c.Submit(func() {
		delete(c.subs, clientID)
		c.presence.RemoveClient(clientID)
		if len(c.subs) == 0 {
			c.resetIdleTimer()
		}
	})
}

// ApplyClientSync feeds one inbound sync frame through the replica's sync
// protocol. A state-vector message yields a reply carrying the operations
// the sender is missing, sent back to that one subscriber; an update
// message is integrated and fans out to every other subscriber via the
// replica's update listener.
func (c *Coordinator) ApplyClientSync(clientID string, msg []byte) {
	c.Submit(func() {
		reply, err := c.rep.ReadSyncMessage(msg, clientID)
		if err != nil {
			c.log.Warnf("coordinator: %s: sync message from %s: %v", c.name, clientID, err)
			return
		}
		if reply == nil {
			return
		}
		if sub, ok := c.subs[clientID]; ok {
			if err := sub.Send(MsgSyncReply, reply); err != nil {
				c.log.Debugf("coordinator: %s: send sync reply to %s: %v", c.name, clientID, err)
			}
		}
	})
}

// ApplyClientUpdate applies a bare update blob (no sync envelope), the
// form the cross-process broadcaster delivers, and fans it out to every
// other live subscriber.
func (c *Coordinator) ApplyClientUpdate(clientID string, blob []byte) {
	c.Submit(func() {
		if _, err := c.rep.ApplyUpdate(blob, clientID); err != nil {
			c.log.Warnf("coordinator: %s: apply update from %s: %v", c.name, clientID, err)
		}
	})
}

// ApplyClientPresence applies a presence update blob a client sent.
func (c *Coordinator) ApplyClientPresence(clientID string, blob []byte) {
	c.Submit(func() {
		if _, _, _, err := c.presence.ApplyUpdate(blob, clientID); err != nil {
			c.log.Warnf("coordinator: %s: apply presence from %s: %v", c.name, clientID, err)
		}
	})
}

// ApplyExternalChange reconciles an on-disk edit made outside the hub: it
// diffs the last persisted text against newText and replays the edit
// script as ordinary replica operations, so concurrent remote edits are
// preserved instead of being clobbered by a whole-document replace. The
// replica updates this produces still broadcast to clients, but writingIn
// suppresses the debounce scheduling — the new text is already durable.
func (c *Coordinator) ApplyExternalChange(newText string) {
	c.Submit(func() {
		if newText == c.lastPersisted {
			return // echo of our own write, or already integrated
		}
		if current := c.rep.Text(); current == newText {
			c.lastPersisted = newText
			return
		}
		c.writingIn = true
		steps := diffscript.Compute(c.lastPersisted, newText)
		for _, s := range steps {
			switch s.Kind {
			case diffscript.Insert:
				c.rep.Insert(s.Pos, s.Text)
			case diffscript.Delete:
				c.rep.Delete(s.Pos, s.Len)
			}
		}
		c.writingIn = false
		c.lastPersisted = newText
	})
}

func (c *Coordinator) scheduleDebounce() {
	if c.debounceTmr == nil {
		c.debounceTmr = time.NewTimer(c.cfg.Debounce())
		return
	}
	if !c.debounceTmr.Stop() {
		select {
		case <-c.debounceTmr.C:
		default:
		}
	}
	c.debounceTmr.Reset(c.cfg.Debounce())
}

// flush writes the current text to storage if it differs from what is
// already persisted. On a write failure lastPersisted is not advanced and
// dirty stays set, so the next debounce firing retries.
func (c *Coordinator) flush(ctx context.Context) {
	if !c.dirty {
		return
	}
	text := c.rep.Text()
	if text == c.lastPersisted {
		c.dirty = false
		return
	}
	if err := c.backend.WriteText(ctx, c.name, text); err != nil {
		c.log.Errorf("coordinator: %s: write text: %v", c.name, err)
		return
	}
	c.lastPersisted = text
	c.dirty = false
}

func (c *Coordinator) persistSnapshot(ctx context.Context) {
	if !c.cfg.PersistYjsState {
		return
	}
	snap, err := c.rep.EncodeStateAsUpdate()
	if err != nil {
		c.log.Warnf("coordinator: %s: encode snapshot: %v", c.name, err)
		return
	}
	if err := c.backend.WriteSnapshot(ctx, c.name, snap); err != nil {
		c.log.Warnf("coordinator: %s: write snapshot: %v", c.name, err)
	}
}

func (c *Coordinator) broadcastUpdate(blob []byte, origin string) {
	msg := c.rep.WriteUpdate(blob)
	for id, sub := range c.subs {
		if id == origin {
			continue
		}
		if err := sub.Send(MsgUpdate, msg); err != nil {
			c.log.Debugf("coordinator: %s: send update to %s: %v", c.name, id, err)
		}
	}
	if c.remoteHook != nil {
		c.remoteHook(blob, origin)
	}
}

func (c *Coordinator) broadcastPresence(added, updated, removed []string) {
	if len(added)+len(updated)+len(removed) == 0 {
		return
	}
	ids := make([]string, 0, len(added)+len(updated)+len(removed))
	ids = append(ids, added...)
	ids = append(ids, updated...)
	ids = append(ids, removed...)
	blob, err := c.presence.EncodeUpdate(ids)
	if err != nil {
		c.log.Errorf("coordinator: %s: encode presence update: %v", c.name, err)
		return
	}
	for _, sub := range c.subs {
		sub.Send(MsgPresence, blob)
	}
}

func (c *Coordinator) resetIdleTimer() {
	c.cancelIdleTimer()
	c.idleTmr = time.NewTimer(c.cfg.DocCleanupDelay())
}

func (c *Coordinator) cancelIdleTimer() {
	if c.idleTmr != nil {
		c.idleTmr.Stop()
		c.idleTmr = nil
	}
}

// SetRemoteHook registers cb to be invoked, with the originating client ID
// (or an external/remote tag), for every update integrated into the
// replica. The hub uses this to optionally republish updates to a
// cross-process broadcaster; a Coordinator with no hook set fans out to
// its own subscribers only.
func (c *Coordinator) SetRemoteHook(cb func(blob []byte, origin string)) {
	c.Submit(func() { c.remoteHook = cb })
}

// ConnectionCount reports the number of live subscribers. Intended for the
// hub's /stats endpoint; callers must use Submit if they need this to
// reflect a specific point in the command sequence.
func (c *Coordinator) ConnectionCount() int {
	reply := make(chan int, 1)
	select {
	case c.cmds <- func() { reply <- len(c.subs) }:
	case <-c.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-c.done:
		return 0
	}
}

// Name returns the document name this coordinator owns.
func (c *Coordinator) Name() string { return c.name }
