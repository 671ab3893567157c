// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/telemetry"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// seenWindow bounds the per-writer idempotence set. Replays older than the
// window fall back to a chain store lookup.
const seenWindow = 100000

type appendResult struct {
	ev  *Event
	err error
}

type appendReq struct {
	intent Intent
	resp   chan appendResult
}

// writer owns one shard. It is the only goroutine that extends the shard's
// chain, so seq assignment and prev_hash linkage need no cross-process
// coordination.
type writer struct {
	shard    int
	chain    ChainStore
	fanout   *fanout
	signer   Signer
	lockdown *Lockdown
	clk      clock.Clock

	reqs chan appendReq

	seq       uint64
	prevHash  [HashSize]byte
	seen      map[uuid.UUID]*Event
	seenOrder []uuid.UUID
}

func newWriter(shard int, chain ChainStore, fo *fanout, signer Signer, ld *Lockdown, clk clock.Clock) *writer {
	return &writer{
		shard:    shard,
		chain:    chain,
		fanout:   fo,
		signer:   signer,
		lockdown: ld,
		clk:      clk,
		reqs:     make(chan appendReq, 256),
		seen:     make(map[uuid.UUID]*Event),
	}
}

// recover loads the shard tip and validates it before accepting appends.
// A corrupt tip latches lockdown rather than extending a broken chain.
func (w *writer) recover(ctx context.Context) error {
	tip, err := w.chain.Tip(ctx, w.shard)
	if err != nil {
		return err
	}
	if tip == nil {
		w.seq = 0
		w.prevHash = ZeroHash
		return nil
	}
	ok, err := tip.Recompute()
	if err != nil {
		return err
	}
	if !ok {
		w.lockdown.Engage(w.shard, "tip hash mismatch on recovery")
		return errcode.Newf(errcode.Integrity, errcode.CodeHashMismatch,
			"shard %d tip seq %d content does not match its hash", w.shard, tip.Seq)
	}
	w.seq = tip.Seq
	w.prevHash = tip.EventHash
	w.rememberRecent(ctx)
	return nil
}

func (w *writer) rememberRecent(ctx context.Context) {
	from := uint64(1)
	if w.seq > seenWindow {
		from = w.seq - seenWindow + 1
	}
	events, err := w.chain.Range(ctx, w.shard, from, w.seq)
	if err != nil {
		log.Warnf("ledger shard %d: recent-event reload failed: %v", w.shard, err)
		return
	}
	for _, ev := range events {
		w.remember(ev)
	}
}

func (w *writer) remember(ev *Event) {
	if _, ok := w.seen[ev.EventID]; ok {
		return
	}
	w.seen[ev.EventID] = ev
	w.seenOrder = append(w.seenOrder, ev.EventID)
	if len(w.seenOrder) > seenWindow {
		delete(w.seen, w.seenOrder[0])
		w.seenOrder = w.seenOrder[1:]
	}
}

// run consumes append requests until ctx is done.
func (w *writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.reqs:
			ev, err := w.apply(ctx, req.intent)
			if req.resp != nil {
				req.resp <- appendResult{ev: ev, err: err}
			}
		}
	}
}

// apply turns one intent into one chain event. Replayed intents return the
// original event.
func (w *writer) apply(ctx context.Context, in Intent) (*Event, error) {
	if w.lockdown.Engaged() {
		return nil, errcode.Newf(errcode.Integrity, errcode.CodeLockdown,
			"ledger is in integrity lockdown: %s", w.lockdown.Reason())
	}
	// Intent ids older than the seen window are treated as fresh. A false
	// negative produces a duplicate event, never a broken chain.
	if prior, ok := w.seen[in.EventID]; ok {
		return prior, nil
	}

	start := w.clk.Now()
	ev := &Event{
		Seq:       w.seq + 1,
		Shard:     w.shard,
		EventID:   in.EventID,
		TsNs:      in.TsNs,
		EventType: in.EventType,
		SessionID: in.SessionID,
		DeviceID:  in.DeviceID,
		UserID:    in.UserID,
		DataHash:  in.DataHash,
		Metadata:  in.Metadata,
		PrevHash:  w.prevHash,
	}
	hash, err := ev.ComputeHash()
	if err != nil {
		return nil, errcode.New(errcode.Validation, errcode.CodeLedgerIntentAbort, err)
	}
	ev.EventHash = hash

	sig, keyID, err := w.signer.Sign(hash)
	if err != nil {
		return nil, err
	}
	ev.Signature = sig
	ev.SigningKeyID = keyID

	if err := w.chain.Append(ctx, ev); err != nil {
		if errcode.KindOf(err) == errcode.Integrity {
			w.lockdown.Engage(w.shard, err.Error())
		}
		return nil, err
	}
	w.seq = ev.Seq
	w.prevHash = ev.EventHash
	w.remember(ev)

	w.fanout.dispatch(ctx, ev)

	telemetry.LedgerAppendDuration.Observe(w.clk.Since(start).Seconds())
	telemetry.LedgerEvents.WithLabelValues(string(ev.EventType)).Inc()
	return ev, nil
}

// fanout replicates appended events to the non-authoritative stores. Each
// store sits behind its own circuit breaker so a failing replica cannot slow
// the chain.
type fanout struct {
	analytical AnalyticalStore
	index      DocumentIndex

	analyticalBreaker *gobreaker.CircuitBreaker
	indexBreaker      *gobreaker.CircuitBreaker
}

func newFanout(analytical AnalyticalStore, index DocumentIndex) *fanout {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}
	}
	return &fanout{
		analytical:        analytical,
		index:             index,
		analyticalBreaker: gobreaker.NewCircuitBreaker(settings("ledger-analytical")),
		indexBreaker:      gobreaker.NewCircuitBreaker(settings("ledger-index")),
	}
}

// dispatch writes to the replicas, logging failures. Reconciliation repairs
// anything missed here.
func (f *fanout) dispatch(ctx context.Context, ev *Event) {
	if f.analytical != nil {
		if _, err := f.analyticalBreaker.Execute(func() (interface{}, error) {
			return nil, f.analytical.Insert(ctx, ev)
		}); err != nil {
			log.Warnf("ledger: analytical replication of %s failed: %v", ev.EventID, err)
		}
	}
	if f.index != nil {
		if _, err := f.indexBreaker.Execute(func() (interface{}, error) {
			return nil, f.index.Index(ctx, ev)
		}); err != nil {
			log.Warnf("ledger: index replication of %s failed: %v", ev.EventID, err)
		}
	}
}
