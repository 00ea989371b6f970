// Package syncengine implements the two independent sync loops described in
// spec.md §4.6: a temporary push loop that drains unsynced events to the
// server, and a permanent pull supervisor that reconciles local state
// against the server's by content hash. Both loops are driven by tickers on
// their own goroutine, following the teacher's internal/node.RetryWorker
// shape (context.WithCancel lifecycle, ticker-driven poll), guarded by
// boolean re-entry flags rather than a broader lock per spec.md §5.
package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tallyup/ledgerd/internal/apiclient"
	"github.com/tallyup/ledgerd/internal/backoff"
	"github.com/tallyup/ledgerd/internal/eventstore"
	"github.com/tallyup/ledgerd/internal/ledgerdb"
	"github.com/tallyup/ledgerd/internal/syncerr"
	"github.com/tallyup/ledgerd/internal/walletctx"
	"github.com/tallyup/ledgerd/pkg/logging"
)

const tickInterval = 1 * time.Second

// eventPriority ranks event types for the push batch sort: deletions go
// first so the server never applies a late-arriving update to an aggregate
// the client has already deleted.
var eventPriority = map[eventstore.EventType]int{
	eventstore.EventDeleted: 0,
	eventstore.EventUpdated: 1,
	eventstore.EventCreated: 2,
	eventstore.EventUndo:    0,
}

// Engine runs the push loop and pull supervisor for one wallet context.
type Engine struct {
	ledger *ledgerdb.DB
	client *apiclient.Client
	wallet *walletctx.Context
	backoff *backoff.Backoff
	log    *logging.Logger

	mu           sync.Mutex
	pushing      bool
	pulling      bool
	needsRetry   bool
	hasSyncError bool
	online       bool
	watermark    time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires an Engine. The caller is expected to call wallet.SetOnWalletReset
// with the returned Engine's ResetWatermark, since the Context is typically
// constructed before the Engine that depends on it.
func New(ledger *ledgerdb.DB, client *apiclient.Client, wallet *walletctx.Context, bo *backoff.Backoff) *Engine {
	return &Engine{
		ledger:  ledger,
		client:  client,
		wallet:  wallet,
		backoff: bo,
		log:     logging.GetDefault().Component("syncengine"),
	}
}

// Start launches the permanent pull supervisor. Call once per process
// lifetime; Stop cancels it. Loads any watermark persisted by a prior run
// for the current wallet, per SPEC_FULL.md §6.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if walletID := e.wallet.WalletID(); walletID != "" {
		if ts, err := e.ledger.LoadSyncWatermark(walletID); err != nil {
			e.log.Warn("failed to load persisted watermark", "error", err)
		} else {
			e.mu.Lock()
			e.watermark = ts
			e.mu.Unlock()
		}
	}

	go e.pullSupervisorLoop()
}

// Stop cancels both loops.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// HasSyncError reports whether the push loop last stopped on an auth
// failure, per spec.md §4.6.1 step 10.
func (e *Engine) HasSyncError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasSyncError
}

// ResetWatermark clears the last-sync watermark, in memory and on disk.
// Wired as the wallet context's onWalletReset callback so switching wallets
// forces a full pull next time, per spec.md §4.8.
func (e *Engine) ResetWatermark(walletID string) {
	e.mu.Lock()
	e.watermark = time.Time{}
	e.mu.Unlock()

	if walletID == "" {
		return
	}
	if err := e.ledger.ClearSyncWatermark(walletID); err != nil {
		e.log.Warn("failed to clear persisted watermark", "error", err)
	}
}

// ---- push loop (local -> server), temporary ----

// StartLocalToServerSync is the entry point named in spec.md §4.4 step 5
// and §4.6.5. Re-entry while already running is a silent no-op.
func (e *Engine) StartLocalToServerSync() {
	e.mu.Lock()
	if e.pushing {
		e.mu.Unlock()
		return
	}
	e.pushing = true
	e.mu.Unlock()

	go e.pushLoop()
}

func (e *Engine) pushLoop() {
	defer func() {
		e.mu.Lock()
		e.pushing = false
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	first := true
	for {
		if !first {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
			}
			time.Sleep(e.backoff.NextWait())
		}
		first = false

		walletID := e.wallet.WalletID()
		unsynced, err := e.ledger.Store().GetUnsynced(walletID)
		if err != nil {
			e.log.Warn("push loop: get_unsynced failed", "error", err)
			continue
		}
		if len(unsynced) == 0 {
			e.backoff.Reset()
			return
		}

		if !e.client.Reachable(e.ctx, e.wallet.Token(), walletID) {
			continue
		}

		sortForPush(unsynced)

		wire := make([]apiclient.WireEvent, len(unsynced))
		for i, ev := range unsynced {
			wire[i] = toWire(ev)
		}

		resp, err := e.client.PushEvents(e.ctx, e.wallet.Token(), walletID, wire)
		if err != nil {
			if err == syncerr.ErrAuthExpired {
				e.mu.Lock()
				e.hasSyncError = true
				e.mu.Unlock()
				return
			}
			e.log.Warn("push loop: push failed, will retry", "error", err)
			continue
		}

		for _, id := range resp.Conflicts {
			e.log.Warn("push loop: server reported conflict", "event_id", id)
		}

		marked := 0
		for _, id := range resp.Accepted {
			if err := e.ledger.Store().MarkSynced(id); err != nil {
				e.log.Warn("push loop: mark_synced failed", "event_id", id, "error", err)
				continue
			}
			marked++
		}

		if marked > 0 {
			if err := e.ledger.Rebuild(); err != nil {
				e.log.Warn("push loop: rebuild after mark_synced failed", "error", err)
			}
		}

		e.backoff.Reset()
	}
}

// sortForPush orders by event-type priority (DELETED/UNDO > UPDATED >
// CREATED), preserving original order within a priority tier.
func sortForPush(events []*eventstore.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return eventPriority[events[i].EventType] < eventPriority[events[j].EventType]
	})
}

func toWire(ev *eventstore.Event) apiclient.WireEvent {
	return apiclient.WireEvent{
		ID:            ev.ID,
		AggregateType: string(ev.AggregateType),
		AggregateID:   ev.AggregateID,
		EventType:     string(ev.EventType),
		EventData:     ev.EventData,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339),
		Version:       ev.Version,
	}
}

// ---- pull supervisor (server -> local), permanent ----

func (e *Engine) pullSupervisorLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		retry := e.needsRetry
		e.mu.Unlock()
		if !retry {
			continue
		}

		time.Sleep(e.backoff.NextWait())

		if err := e.pullSync(); err != nil {
			e.log.Warn("pull supervisor: retry failed, will retry again", "error", err)
			continue
		}

		e.mu.Lock()
		e.needsRetry = false
		e.mu.Unlock()
		e.backoff.Reset()
	}
}

// pullSync is the single-attempt algorithm of spec.md §4.6.3.
func (e *Engine) pullSync() error {
	walletID := e.wallet.WalletID()
	token := e.wallet.Token()

	if !e.client.Reachable(e.ctx, token, walletID) {
		return syncerr.ErrNetworkUnreachable
	}

	hashResp, err := e.client.Hash(e.ctx, token, walletID)
	if err != nil {
		return err
	}

	localHash, err := e.ledger.Store().EventHash(walletID)
	if err != nil {
		return &syncerr.ErrStore{Op: "pull_sync_local_hash", Err: err}
	}
	localCount, err := e.ledger.Store().EventCount(walletID)
	if err != nil {
		return &syncerr.ErrStore{Op: "pull_sync_local_count", Err: err}
	}

	e.mu.Lock()
	watermark := e.watermark
	e.mu.Unlock()

	if hashResp.Hash == localHash && hashResp.EventCount == localCount {
		if watermark.IsZero() {
			e.setWatermark(walletID, time.Now().UTC())
		}
		return nil
	}

	since := ""
	if !watermark.IsZero() {
		since = watermark.UTC().Format(time.RFC3339)
	}

	remote, err := e.client.EventsSince(e.ctx, token, walletID, since)
	if err != nil {
		return err
	}

	inserted := 0
	for _, w := range remote {
		existing, err := e.ledger.Store().GetForAggregate(eventstore.AggregateType(w.AggregateType), w.AggregateID)
		if err != nil {
			return &syncerr.ErrStore{Op: "pull_sync_lookup", Err: err}
		}
		if hasID(existing, w.ID) {
			continue
		}

		ts, err := time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			e.log.Warn("pull sync: dropping malformed event", "event_id", w.ID, "error", err)
			continue
		}

		ev := &eventstore.Event{
			ID:            w.ID,
			AggregateType: eventstore.AggregateType(w.AggregateType),
			AggregateID:   w.AggregateID,
			EventType:     eventstore.EventType(w.EventType),
			EventData:     w.EventData,
			Timestamp:     ts,
			Version:       w.Version,
			Synced:        true,
			WalletID:      walletID,
		}

		if err := e.ledger.Store().Put(ev); err != nil {
			return &syncerr.ErrStore{Op: "pull_sync_put", Err: err}
		}
		inserted++
	}

	if inserted > 0 {
		if err := e.ledger.Rebuild(); err != nil {
			return err
		}
	}

	e.setWatermark(walletID, time.Now().UTC())

	return nil
}

// setWatermark updates the in-memory watermark and persists it so a restart
// resumes an incremental pull, per SPEC_FULL.md §6. Persistence failures are
// logged, not fatal: an absent watermark just means the next pull fetches
// full history, which is always safe.
func (e *Engine) setWatermark(walletID string, ts time.Time) {
	e.mu.Lock()
	e.watermark = ts
	e.mu.Unlock()

	if err := e.ledger.SaveSyncWatermark(walletID, ts); err != nil {
		e.log.Warn("failed to persist watermark", "error", err)
	}
}

func hasID(events []*eventstore.Event, id string) bool {
	for _, ev := range events {
		if ev.ID == id {
			return true
		}
	}
	return false
}

// ---- event-driven entry points, spec.md §4.6.5 ----

// OnBackOnline resets backoff, fires an immediate pull, and starts the push
// loop if unsynced events exist.
func (e *Engine) OnBackOnline() {
	e.backoff.Reset()

	e.mu.Lock()
	if e.pulling {
		e.mu.Unlock()
	} else {
		e.pulling = true
		e.mu.Unlock()
		go func() {
			defer func() {
				e.mu.Lock()
				e.pulling = false
				e.mu.Unlock()
			}()
			if err := e.pullSync(); err != nil {
				e.mu.Lock()
				e.needsRetry = true
				e.mu.Unlock()
			}
		}()
	}

	walletID := e.wallet.WalletID()
	unsynced, err := e.ledger.Store().GetUnsynced(walletID)
	if err == nil && len(unsynced) > 0 {
		e.StartLocalToServerSync()
	}
}

// OnPullToRefresh resets backoff and starts the push loop, per spec.md
// §4.6.5 (pull is triggered indirectly via the server's change broadcast).
func (e *Engine) OnPullToRefresh() {
	e.backoff.Reset()
	e.StartLocalToServerSync()
}

// OnRealtimeNotification ignores the payload and unconditionally requests a
// pull — the payload is an opaque trigger, never data, per spec.md §4.6.5.
func (e *Engine) OnRealtimeNotification(_ []byte) {
	e.mu.Lock()
	alreadyPulling := e.pulling
	e.pulling = true
	e.mu.Unlock()

	if alreadyPulling {
		return
	}

	go func() {
		defer func() {
			e.mu.Lock()
			e.pulling = false
			e.mu.Unlock()
		}()
		if err := e.pullSync(); err != nil {
			e.mu.Lock()
			e.needsRetry = true
			e.mu.Unlock()
		}
	}()
}
