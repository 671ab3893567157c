// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package pipeline consumes raw chunks from the durable log and emits one
// FeatureFrame per (session, tumbling window). Windows are event-time with
// a watermark trailing the max observed event time by twice the window, so
// moderately out-of-order chunks still land in their window; anything
// behind the watermark goes to the late side output instead.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/neurascale/neural-engine/pkg/codec"
	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/dsp"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/stream"
	"github.com/neurascale/neural-engine/pkg/telemetry"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

// Ledger is the subset of the ledger the pipeline appends through.
type Ledger interface {
	Append(ctx context.Context, in ledger.Intent) (uuid.UUID, error)
}

// FrameSink receives finished frames. Implementations must be idempotent
// on (SessionID, WindowStartNs): the log is at-least-once, so replays
// re-emit frames.
type FrameSink interface {
	Emit(ctx context.Context, frame *types.FeatureFrame) error
}

// LateFunc receives chunks that arrived behind the watermark.
type LateFunc func(chunk *types.SampleChunk)

// windowAccum gathers one window's samples, channel-major.
type windowAccum struct {
	startNs  int64
	channels [][]float32
	firstSeq uint64
	lastSeq  uint64
}

// streamKey tracks gap state per device within a session.
type streamKey struct {
	sessionID string
	deviceID  string
}

type gapState struct {
	lastSeq   uint64
	lastEndNs int64
}

// sessionState is the keyed window store for one session and data type.
type sessionState struct {
	sessionID string
	dataType  types.DataType
	rateHz    uint32

	windows    map[int64]*windowAccum
	maxEventNs int64
}

// Pipeline is the windowed processing topology.
type Pipeline struct {
	cfg    *config.Config
	broker stream.Subscriber
	ledger Ledger
	sink   FrameSink
	late   LateFunc
	codec  *codec.Codec

	window   time.Duration
	lateness time.Duration
	workers  int

	mu       sync.Mutex
	sessions map[string]*sessionState
	gaps     map[streamKey]*gapState
}

// New wires a pipeline over the broker's raw topics.
func New(cfg *config.Config, broker stream.Subscriber, lg Ledger, sink FrameSink, late LateFunc) *Pipeline {
	window := cfg.PipelineWindow
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	factor := cfg.PipelineLatenessFactor
	if factor <= 0 {
		factor = 2
	}
	workers := cfg.PipelineWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	maxChunk := cfg.IngestMaxChunkBytes
	if maxChunk <= 0 {
		maxChunk = 1 << 20
	}
	return &Pipeline{
		cfg:      cfg,
		broker:   broker,
		ledger:   lg,
		sink:     sink,
		late:     late,
		codec:    codec.New(maxChunk),
		window:   window,
		lateness: time.Duration(factor) * window,
		workers:  workers,
		sessions: make(map[string]*sessionState),
		gaps:     make(map[streamKey]*gapState),
	}
}

// Run consumes every data-type topic until ctx is done, then flushes the
// open windows.
func (p *Pipeline) Run(ctx context.Context, hc *health.Catalog) error {
	var ping health.ID
	if hc != nil {
		ping = hc.Register("pipeline")
		defer hc.Deregister(ping)
	}

	g, gctx := errgroup.WithContext(ctx)
	for dt := types.DataTypeEEG; dt <= types.DataTypeAccelerometer; dt++ {
		topic := stream.RawTopic(dt.String())
		records, err := p.broker.Subscribe(gctx, topic)
		if err != nil {
			return err
		}
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case rec, ok := <-records:
					if !ok {
						return nil
					}
					if ping != "" {
						hc.Ping(ping)
					}
					p.handleRecord(gctx, rec)
				}
			}
		})
	}
	err := g.Wait()
	p.FlushAll(context.Background())
	return err
}

func (p *Pipeline) handleRecord(ctx context.Context, rec stream.Record) {
	chunk, err := p.codec.Decode(rec.Value)
	if err != nil {
		telemetry.DroppedChunks.WithLabelValues("checksum").Inc()
		log.Warnf("pipeline: undecodable record on %s at offset %d: %v", rec.Topic, rec.Offset, err)
		return
	}
	p.Process(ctx, chunk)
}

// Process folds one chunk into its session's windows and emits every
// window the advancing watermark has closed.
func (p *Pipeline) Process(ctx context.Context, chunk *types.SampleChunk) {
	p.mu.Lock()
	state, ok := p.sessions[chunk.SessionID]
	if !ok {
		state = &sessionState{
			sessionID: chunk.SessionID,
			dataType:  chunk.DataType,
			rateHz:    chunk.SamplingRateHz,
			windows:   make(map[int64]*windowAccum),
		}
		p.sessions[chunk.SessionID] = state
	}

	p.observeGap(ctx, chunk)

	if end := chunk.EndTsNs(); end > state.maxEventNs {
		state.maxEventNs = end
	}
	watermark := state.maxEventNs - int64(p.lateness)

	if chunk.EndTsNs() <= watermark {
		p.mu.Unlock()
		telemetry.LateChunks.Inc()
		if p.late != nil {
			p.late(chunk)
		}
		return
	}

	p.assign(state, chunk)
	closed := p.closeWindowsLocked(state, watermark)
	p.mu.Unlock()

	p.emit(ctx, state, closed)
}

// assign slices the chunk's samples into tumbling windows by per-sample
// event time.
func (p *Pipeline) assign(state *sessionState, chunk *types.SampleChunk) {
	w := int64(p.window)
	nsPerSample := int64(time.Second) / int64(chunk.SamplingRateHz)
	channels := chunk.NumChannels()
	for i := 0; i < chunk.NumSamples(); i++ {
		ts := chunk.DeviceTsNs + int64(i)*nsPerSample
		start := (ts / w) * w
		acc, ok := state.windows[start]
		if !ok {
			acc = &windowAccum{
				startNs:  start,
				channels: make([][]float32, channels),
				firstSeq: chunk.ChunkSeq,
				lastSeq:  chunk.ChunkSeq,
			}
			state.windows[start] = acc
		}
		for ch := 0; ch < channels && ch < len(acc.channels); ch++ {
			acc.channels[ch] = append(acc.channels[ch], chunk.Samples[ch][i])
		}
		if chunk.ChunkSeq < acc.firstSeq {
			acc.firstSeq = chunk.ChunkSeq
		}
		if chunk.ChunkSeq > acc.lastSeq {
			acc.lastSeq = chunk.ChunkSeq
		}
	}
}

// observeGap appends one anomaly_detected per sequence discontinuity.
// Caller holds p.mu.
func (p *Pipeline) observeGap(ctx context.Context, chunk *types.SampleChunk) {
	key := streamKey{sessionID: chunk.SessionID, deviceID: chunk.DeviceID}
	g, ok := p.gaps[key]
	if !ok {
		p.gaps[key] = &gapState{lastSeq: chunk.ChunkSeq, lastEndNs: chunk.EndTsNs()}
		return
	}
	if chunk.ChunkSeq > g.lastSeq+1 {
		gapNs := chunk.DeviceTsNs - g.lastEndNs
		if gapNs < 0 {
			gapNs = 0
		}
		telemetry.GapEvents.Inc()
		if p.ledger != nil {
			if _, err := p.ledger.Append(ctx, ledger.NewIntent(ledger.EventAnomalyDetected,
				chunk.SessionID, chunk.DeviceID, "", map[string]interface{}{
					"reason":    "gap",
					"from_seq":  g.lastSeq,
					"to_seq":    chunk.ChunkSeq,
					"length_ns": gapNs,
				})); err != nil {
				log.Warnf("pipeline: gap ledger append: %v", err)
			}
		}
	}
	if chunk.ChunkSeq > g.lastSeq {
		g.lastSeq = chunk.ChunkSeq
		g.lastEndNs = chunk.EndTsNs()
	}
}

// closeWindowsLocked removes every window fully behind the watermark and
// returns them ordered by start time. Caller holds p.mu.
func (p *Pipeline) closeWindowsLocked(state *sessionState, watermark int64) []*windowAccum {
	var closed []*windowAccum
	for start, acc := range state.windows {
		if start+int64(p.window) <= watermark {
			closed = append(closed, acc)
			delete(state.windows, start)
		}
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].startNs < closed[j].startNs })
	return closed
}

// emit computes features on the worker pool, then delivers frames in
// window_start_ns order.
func (p *Pipeline) emit(ctx context.Context, state *sessionState, closed []*windowAccum) {
	if len(closed) == 0 {
		return
	}
	frames := make([]*types.FeatureFrame, len(closed))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, acc := range closed {
		i, acc := i, acc
		g.Go(func() error {
			frames[i] = p.computeFrame(state, acc)
			return nil
		})
	}
	g.Wait()

	for _, frame := range frames {
		if err := p.sink.Emit(ctx, frame); err != nil {
			log.Errorf("pipeline: sink rejected frame (%s, %d): %v",
				frame.SessionID, frame.WindowStartNs, err)
			continue
		}
		telemetry.FeatureFrames.WithLabelValues(frame.DataType.String()).Inc()
		p.ledgerFrame(ctx, frame)
	}
}

func (p *Pipeline) computeFrame(state *sessionState, acc *windowAccum) *types.FeatureFrame {
	perChannel, cross := dsp.WindowFeatures(acc.channels, float64(state.rateHz), state.dataType)
	return &types.FeatureFrame{
		SessionID:       state.sessionID,
		WindowStartNs:   acc.startNs,
		WindowEndNs:     acc.startNs + int64(p.window),
		DataType:        state.dataType,
		ChannelFeatures: perChannel,
		CrossChannel:    cross,
		DerivedFrom:     types.ChunkRange{First: acc.firstSeq, Last: acc.lastSeq},
	}
}

// ledgerFrame appends features_computed carrying metadata and the features
// hash only, never the feature payload.
func (p *Pipeline) ledgerFrame(ctx context.Context, frame *types.FeatureFrame) {
	if p.ledger == nil {
		return
	}
	in := ledger.NewIntent(ledger.EventFeaturesComputed, frame.SessionID, "", "",
		map[string]interface{}{
			"window_start_ns": frame.WindowStartNs,
			"window_end_ns":   frame.WindowEndNs,
			"data_type":       frame.DataType.String(),
			"channels":        len(frame.ChannelFeatures),
		}).WithDataHash(FeaturesHash(frame))
	if _, err := p.ledger.Append(ctx, in); err != nil {
		log.Warnf("pipeline: features ledger append: %v", err)
	}
}

// FeaturesHash is the stable content hash of a frame's features.
func FeaturesHash(frame *types.FeatureFrame) [sha256.Size]byte {
	raw, err := json.Marshal(struct {
		Channels []types.ChannelFeatures     `json:"channels"`
		Cross    *types.CrossChannelFeatures `json:"cross,omitempty"`
	}{frame.ChannelFeatures, frame.CrossChannel})
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(raw)
}

// FlushAll closes every open window regardless of the watermark. Used at
// shutdown and session end.
func (p *Pipeline) FlushAll(ctx context.Context) {
	p.mu.Lock()
	type flush struct {
		state  *sessionState
		closed []*windowAccum
	}
	var all []flush
	for _, state := range p.sessions {
		var closed []*windowAccum
		for start, acc := range state.windows {
			closed = append(closed, acc)
			delete(state.windows, start)
		}
		sort.Slice(closed, func(i, j int) bool { return closed[i].startNs < closed[j].startNs })
		all = append(all, flush{state: state, closed: closed})
	}
	p.mu.Unlock()

	for _, f := range all {
		p.emit(ctx, f.state, f.closed)
	}
}
