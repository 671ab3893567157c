// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

package ledger

import (
	"context"
	"fmt"

	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Violation describes the first point at which a chain fails verification.
type Violation struct {
	Shard       int    `json:"shard"`
	FirstBadSeq uint64 `json:"first_bad_seq"`
	Reason      string `json:"reason"`
}

func (v *Violation) String() string {
	return fmt.Sprintf("shard %d seq %d: %s", v.Shard, v.FirstBadSeq, v.Reason)
}

// verifyEvents replays a contiguous event range, checking seq continuity,
// prev_hash linkage, content hashes and signatures. prev is the hash the
// first event must link to.
func verifyEvents(events []*Event, signer Signer, prev [HashSize]byte, firstSeq uint64) *Violation {
	want := firstSeq
	for _, ev := range events {
		if ev.Seq != want {
			return &Violation{Shard: ev.Shard, FirstBadSeq: want,
				Reason: fmt.Sprintf("missing or out-of-order event, found seq %d", ev.Seq)}
		}
		if ev.PrevHash != prev {
			return &Violation{Shard: ev.Shard, FirstBadSeq: ev.Seq, Reason: "prev_hash does not link to predecessor"}
		}
		ok, err := ev.Recompute()
		if err != nil {
			return &Violation{Shard: ev.Shard, FirstBadSeq: ev.Seq, Reason: "canonical encoding failed: " + err.Error()}
		}
		if !ok {
			return &Violation{Shard: ev.Shard, FirstBadSeq: ev.Seq, Reason: "event content does not match event_hash"}
		}
		if signer != nil && len(ev.Signature) > 0 {
			if err := signer.Verify(ev.EventHash, ev.Signature, ev.SigningKeyID); err != nil {
				return &Violation{Shard: ev.Shard, FirstBadSeq: ev.Seq, Reason: "signature invalid: " + err.Error()}
			}
		}
		prev = ev.EventHash
		want++
	}
	return nil
}

// anchorHash resolves the hash the event at seq `from` must link to, using
// the authoritative chain.
func (l *Ledger) anchorHash(ctx context.Context, shard int, from uint64) ([HashSize]byte, error) {
	if from <= 1 {
		return ZeroHash, nil
	}
	prior, err := l.opts.Chain.Get(ctx, shard, from-1)
	if err != nil {
		return ZeroHash, err
	}
	if prior == nil {
		return ZeroHash, fmt.Errorf("anchor event seq %d not in chain store", from-1)
	}
	return prior.EventHash, nil
}

// Verify replays [from, to] of a shard against the analytical replica,
// anchored to the authoritative chain. A violation engages lockdown.
func (l *Ledger) Verify(ctx context.Context, shard int, from, to uint64) (*Violation, error) {
	if from == 0 {
		from = 1
	}
	source := "analytical"
	var (
		events []*Event
		err    error
	)
	if l.opts.Analytical != nil {
		events, err = l.opts.Analytical.Range(ctx, shard, from, to)
		if err != nil {
			return nil, err
		}
	}
	if len(events) == 0 {
		source = "chain"
		events, err = l.opts.Chain.Range(ctx, shard, from, to)
		if err != nil {
			return nil, err
		}
	}
	if len(events) == 0 {
		return nil, nil
	}

	anchor, err := l.anchorHash(ctx, shard, events[0].Seq)
	if err != nil {
		return nil, err
	}
	if v := verifyEvents(events, l.opts.Signer, anchor, events[0].Seq); v != nil {
		l.lockdown.Engage(shard, fmt.Sprintf("verification failed (%s store): %s", source, v))
		return v, nil
	}
	log.Debugf("ledger: shard %d seq %d..%d verified against %s store", shard, events[0].Seq, events[len(events)-1].Seq, source)
	return nil, nil
}

// VerifyChain replays the full authoritative chain of a shard.
func (l *Ledger) VerifyChain(ctx context.Context, shard int) (*Violation, error) {
	count, err := l.opts.Chain.Count(ctx, shard)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	events, err := l.opts.Chain.Range(ctx, shard, 1, count)
	if err != nil {
		return nil, err
	}
	if v := verifyEvents(events, l.opts.Signer, ZeroHash, 1); v != nil {
		l.lockdown.Engage(shard, "chain verification failed: "+v.String())
		return v, nil
	}
	return nil, nil
}

// VerifyAll replays every shard including the root chain, returning the
// first violation found.
func (l *Ledger) VerifyAll(ctx context.Context) (*Violation, error) {
	for shard := 0; shard <= l.opts.Shards; shard++ {
		v, err := l.VerifyChain(ctx, shard)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}
