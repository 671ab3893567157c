// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/stream"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Lockdown is the integrity latch. Once engaged it stays engaged until an
// operator restarts the process after investigating; there is no programmatic
// release.
type Lockdown struct {
	engaged atomic.Bool
	mu      sync.Mutex
	shard   int
	reason  string
}

// Engage latches the lockdown. The first engagement wins; later calls only
// log.
func (l *Lockdown) Engage(shard int, reason string) {
	if l.engaged.Swap(true) {
		log.Errorf("ledger lockdown already engaged; additional trigger shard=%d: %s", shard, reason)
		return
	}
	l.mu.Lock()
	l.shard = shard
	l.reason = reason
	l.mu.Unlock()
	log.Criticalf("ledger integrity lockdown engaged shard=%d: %s", shard, reason)
}

// Engaged reports the latch state.
func (l *Lockdown) Engaged() bool { return l.engaged.Load() }

// Reason returns what tripped the latch.
func (l *Lockdown) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Options configures a Ledger.
type Options struct {
	// Shards is the number of data chains. The root anchor chain is one
	// extra shard past the last data shard.
	Shards     int
	Chain      ChainStore
	Analytical AnalyticalStore
	Index      DocumentIndex
	Signer     Signer
	// Broker carries intents and appended-event notifications. Optional;
	// without it only AppendSync works.
	Broker stream.Broker
	Clock  clock.Clock
	// RootInterval is the cadence of root anchor events. Zero disables
	// anchoring.
	RootInterval time.Duration
	// ReconcileInterval is the cadence of replica repair. Zero disables it.
	ReconcileInterval time.Duration
	// Health registers liveness pings when set.
	Health *health.Catalog
}

// Ledger is the append facade over the shard writers.
type Ledger struct {
	opts     Options
	writers  []*writer
	fanout   *fanout
	lockdown *Lockdown
	clk      clock.Clock

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New wires a ledger. Start must be called before appends are processed.
func New(opts Options) (*Ledger, error) {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.Chain == nil {
		return nil, errcode.Newf(errcode.Configuration, errcode.CodeInvalidConfig, "ledger requires a chain store")
	}
	if opts.Signer == nil {
		opts.Signer = NoopSigner{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	l := &Ledger{
		opts:     opts,
		lockdown: &Lockdown{},
		clk:      opts.Clock,
		fanout:   newFanout(opts.Analytical, opts.Index),
	}
	// Writers 0..Shards-1 carry data chains; writer Shards carries the
	// root anchor chain.
	for shard := 0; shard <= opts.Shards; shard++ {
		l.writers = append(l.writers, newWriter(shard, opts.Chain, l.fanout, opts.Signer, l.lockdown, l.clk))
	}
	return l, nil
}

// RootShard returns the shard index of the root anchor chain.
func (l *Ledger) RootShard() int { return l.opts.Shards }

// Lockdown exposes the integrity latch.
func (l *Ledger) Lockdown() *Lockdown { return l.lockdown }

// Signer exposes the signer, for key rotation from the control plane.
func (l *Ledger) Signer() Signer { return l.opts.Signer }

// Start recovers all shards and launches the writer, intent-consumer, root
// anchor and reconciliation goroutines.
func (l *Ledger) Start(ctx context.Context) error {
	var startErr error
	l.startOnce.Do(func() {
		for _, w := range l.writers {
			if err := w.recover(ctx); err != nil {
				startErr = err
				return
			}
		}
		for _, w := range l.writers {
			w := w
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				w.run(ctx)
			}()
		}
		if l.opts.Broker != nil {
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.consumeIntents(ctx)
			}()
		}
		if l.opts.RootInterval > 0 {
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.rootLoop(ctx)
			}()
		}
		if l.opts.ReconcileInterval > 0 && l.opts.Analytical != nil {
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.reconcileLoop(ctx)
			}()
		}
	})
	return startErr
}

// Wait blocks until all ledger goroutines have exited.
func (l *Ledger) Wait() { l.wg.Wait() }

// Append publishes the intent to the durable intent topic. The returned id
// is the event id the intent will materialize as; delivery is asynchronous.
func (l *Ledger) Append(ctx context.Context, in Intent) (uuid.UUID, error) {
	if l.lockdown.Engaged() {
		return uuid.Nil, errcode.Newf(errcode.Integrity, errcode.CodeLockdown,
			"ledger is in integrity lockdown: %s", l.lockdown.Reason())
	}
	if l.opts.Broker == nil {
		_, err := l.AppendSync(ctx, in)
		return in.EventID, err
	}
	raw, err := in.Marshal()
	if err != nil {
		return uuid.Nil, errcode.New(errcode.Validation, errcode.CodeLedgerIntentAbort, err)
	}
	shard := in.Shard(l.opts.Shards)
	if err := l.opts.Broker.Publish(ctx, stream.TopicLedgerIntent, "shard-"+strconv.Itoa(shard), raw, nil); err != nil {
		return uuid.Nil, err
	}
	return in.EventID, nil
}

// AppendSync routes the intent straight to its shard writer and waits for
// the chain append.
func (l *Ledger) AppendSync(ctx context.Context, in Intent) (*Event, error) {
	return l.appendToShard(ctx, in.Shard(l.opts.Shards), in)
}

func (l *Ledger) appendToShard(ctx context.Context, shard int, in Intent) (*Event, error) {
	if shard < 0 || shard >= len(l.writers) {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeLedgerIntentAbort, "shard %d out of range", shard)
	}
	resp := make(chan appendResult, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.writers[shard].reqs <- appendReq{intent: in, resp: resp}:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resp:
		return res.ev, res.err
	}
}

// consumeIntents tails the intent topic and dispatches to shard writers by
// record key.
func (l *Ledger) consumeIntents(ctx context.Context) {
	var ping health.ID
	if l.opts.Health != nil {
		ping = l.opts.Health.Register("ledger-intent-consumer")
		defer l.opts.Health.Deregister(ping)
	}
	ch, err := l.opts.Broker.Subscribe(ctx, stream.TopicLedgerIntent)
	if err != nil {
		log.Errorf("ledger: intent subscription failed: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if ping != "" {
				l.opts.Health.Ping(ping)
			}
			in, err := UnmarshalIntent(rec.Value)
			if err != nil {
				log.Warnf("ledger: undecodable intent at offset %d: %v", rec.Offset, err)
				continue
			}
			ev, err := l.appendToShard(ctx, in.Shard(l.opts.Shards), in)
			if err != nil {
				log.Errorf("ledger: append of intent %s failed: %v", in.EventID, err)
				continue
			}
			l.publishAppended(ctx, ev)
		}
	}
}

func (l *Ledger) publishAppended(ctx context.Context, ev *Event) {
	if l.opts.Broker == nil {
		return
	}
	raw := []byte(ev.EventID.String())
	headers := map[string]string{
		"event_type": string(ev.EventType),
		"shard":      strconv.Itoa(ev.Shard),
		"seq":        strconv.FormatUint(ev.Seq, 10),
	}
	if err := l.opts.Broker.Publish(ctx, stream.TopicLedgerOut, "shard-"+strconv.Itoa(ev.Shard), raw, headers); err != nil {
		log.Warnf("ledger: appended-event notification failed: %v", err)
	}
}

// rootLoop periodically anchors all data shard tips into the root chain.
// Rewriting any data chain after an anchor requires also rewriting the root
// chain, which widens the tamper surface an attacker has to cover.
func (l *Ledger) rootLoop(ctx context.Context) {
	ticker := l.clk.Ticker(l.opts.RootInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.anchorRoot(ctx); err != nil {
				log.Warnf("ledger: root anchor failed: %v", err)
			}
		}
	}
}

func (l *Ledger) anchorRoot(ctx context.Context) error {
	tips := make(map[string]interface{}, l.opts.Shards)
	seqs := make(map[string]interface{}, l.opts.Shards)
	for shard := 0; shard < l.opts.Shards; shard++ {
		tip, err := l.opts.Chain.Tip(ctx, shard)
		if err != nil {
			return err
		}
		if tip == nil {
			continue
		}
		key := strconv.Itoa(shard)
		tips[key] = hex.EncodeToString(tip.EventHash[:])
		seqs[key] = tip.Seq
	}
	if len(tips) == 0 {
		return nil
	}
	in := NewIntent(EventRootAnchor, "", "", "", map[string]interface{}{
		"tips":     tips,
		"tip_seqs": seqs,
	})
	_, err := l.appendToShard(ctx, l.RootShard(), in)
	return err
}

// reconcileLoop repairs replica divergence from the authoritative chain.
func (l *Ledger) reconcileLoop(ctx context.Context) {
	ticker := l.clk.Ticker(l.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for shard := 0; shard <= l.opts.Shards; shard++ {
				if err := l.reconcileShard(ctx, shard); err != nil {
					log.Warnf("ledger: reconcile shard %d: %v", shard, err)
				}
			}
		}
	}
}

func (l *Ledger) reconcileShard(ctx context.Context, shard int) error {
	count, err := l.opts.Chain.Count(ctx, shard)
	if err != nil {
		return err
	}
	replicated, err := l.opts.Analytical.MaxSeq(ctx, shard)
	if err != nil {
		return err
	}
	if replicated >= count {
		return nil
	}
	missing, err := l.opts.Chain.Range(ctx, shard, replicated+1, count)
	if err != nil {
		return err
	}
	for _, ev := range missing {
		l.fanout.dispatch(ctx, ev)
	}
	log.Infof("ledger: reconciled %d events into replicas for shard %d", len(missing), shard)
	return nil
}

// EventsBySession looks up a session's events in the document index.
func (l *Ledger) EventsBySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	if l.opts.Index == nil {
		return nil, errcode.Newf(errcode.Configuration, errcode.CodeStoreUnavailable, "no document index configured")
	}
	return l.opts.Index.BySession(ctx, sessionID, limit)
}

// EventsByUser looks up an anonymized user's events in the document index.
func (l *Ledger) EventsByUser(ctx context.Context, userID string, limit int) ([]*Event, error) {
	if l.opts.Index == nil {
		return nil, errcode.Newf(errcode.Configuration, errcode.CodeStoreUnavailable, "no document index configured")
	}
	return l.opts.Index.ByUser(ctx, userID, limit)
}

// EventsByTime queries the analytical replica.
func (l *Ledger) EventsByTime(ctx context.Context, fromNs, toNs int64, eventType EventType, limit int) ([]*Event, error) {
	if l.opts.Analytical == nil {
		return nil, errcode.Newf(errcode.Configuration, errcode.CodeStoreUnavailable, "no analytical store configured")
	}
	return l.opts.Analytical.QueryTime(ctx, fromNs, toNs, eventType, limit)
}

// Tip returns the current tip of a shard.
func (l *Ledger) Tip(ctx context.Context, shard int) (*Event, error) {
	return l.opts.Chain.Tip(ctx, shard)
}

// Shards returns the number of data shards.
func (l *Ledger) Shards() int { return l.opts.Shards }
