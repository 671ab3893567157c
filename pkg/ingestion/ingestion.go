// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package ingestion validates, anonymizes, quality-scores and publishes
// sample chunks onto the durable log, and appends the matching
// data_ingested ledger events. Backpressure is absorbed by a bounded
// per-partition buffer with quality-proportional shedding above the high
// watermark, and by an AIMD admission controller driven by consumer lag.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/neurascale/neural-engine/pkg/codec"
	"github.com/neurascale/neural-engine/pkg/config"
	"github.com/neurascale/neural-engine/pkg/dsp"
	"github.com/neurascale/neural-engine/pkg/errcode"
	"github.com/neurascale/neural-engine/pkg/ledger"
	"github.com/neurascale/neural-engine/pkg/status/health"
	"github.com/neurascale/neural-engine/pkg/stream"
	"github.com/neurascale/neural-engine/pkg/telemetry"
	"github.com/neurascale/neural-engine/pkg/types"
	log "github.com/neurascale/neural-engine/pkg/util/log"
)

const (
	// partitionBucket is the time-bucket width of the routing key. A
	// device stays on one partition within a bucket and may rebalance
	// across buckets.
	partitionBucket = 5 * time.Minute

	// aimdIncrease and aimdDecrease tune the admission controller.
	aimdIncrease = 1.05
	aimdDecrease = 0.5
)

// Ledger is the subset of the ledger the service appends through.
type Ledger interface {
	Append(ctx context.Context, in ledger.Intent) (uuid.UUID, error)
}

// SessionSource exposes the active session snapshot.
type SessionSource interface {
	Session() *types.Session
}

// Result is returned to the producer for every accepted chunk.
type Result struct {
	SessionID        string  `json:"session_id"`
	SamplesProcessed int     `json:"samples_processed"`
	Quality          float64 `json:"quality"`
	// LedgerEventID is uuid.Nil when the audit append failed. The chunk is
	// still accepted; the failure shows up on the ledger_append_failures
	// counter and in the logs.
	LedgerEventID uuid.UUID `json:"ledger_event_id"`
	Partition     int       `json:"partition"`
}

// queued is one encoded chunk waiting for its partition publisher.
type queued struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string

	deviceID string
	retries  int
}

// deviceStats feeds the shedding weights: each stream absorbs overload
// drops in proportion to the inverse of its recent quality, ties broken by
// the highest packet loss.
type deviceStats struct {
	quality  float64
	lastSeq  uint64
	received uint64
	lost     uint64
}

func (s *deviceStats) lossRatio() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	return float64(s.lost) / float64(total)
}

// Service is the ingestion front door.
type Service struct {
	cfg      *config.Config
	codec    *codec.Codec
	broker   stream.Broker
	ledger   Ledger
	sessions SessionSource
	clk      clock.Clock

	limiter   *rate.Limiter
	parts     []chan queued
	batchJobs chan string

	mu      sync.Mutex
	devices map[string]*deviceStats
	rng     *rand.Rand
}

// New wires the service. ledger and sessions may be nil in replay tools.
func New(cfg *config.Config, broker stream.Broker, lg Ledger, sessions SessionSource, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	partitions := cfg.IngestPartitions
	if partitions <= 0 {
		partitions = 1
	}
	bufSize := cfg.IngestBufferSize
	if bufSize <= 0 {
		bufSize = 10000
	}
	parts := make([]chan queued, partitions)
	for i := range parts {
		parts[i] = make(chan queued, bufSize/partitions+1)
	}
	// The admission ceiling starts at one buffer per second and is then
	// governed by the AIMD loop.
	limiter := rate.NewLimiter(rate.Limit(bufSize), bufSize)
	return &Service{
		cfg:       cfg,
		codec:     codec.New(cfg.IngestMaxChunkBytes),
		broker:    broker,
		ledger:    lg,
		sessions:  sessions,
		clk:       clk,
		limiter:   limiter,
		parts:     parts,
		batchJobs: make(chan string, 64),
		devices:   make(map[string]*deviceStats),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run starts the partition publishers and the admission controller and
// blocks until ctx is done.
func (s *Service) Run(ctx context.Context, hc *health.Catalog) {
	var ping health.ID
	if hc != nil {
		ping = hc.Register("ingestion")
		defer hc.Deregister(ping)
	}

	var wg sync.WaitGroup
	for i := range s.parts {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			s.publishLoop(ctx, partition)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.batchLoop(ctx)
	}()

	ticker := s.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			if ping != "" {
				hc.Ping(ping)
			}
			s.adjustAdmission()
			telemetry.BufferOccupancy.Set(s.occupancy())
		}
	}
}

// Anonymize maps a raw user identifier to its stable pseudonym:
// sha256(user_id || salt) truncated to 128 bits. Raw identifiers never
// cross this boundary.
func (s *Service) Anonymize(userID string) string {
	if userID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userID + s.cfg.AnonymizerSalt))
	return hex.EncodeToString(sum[:16])
}

// Partition routes a device's stream: stable within a five-minute bucket,
// free to rebalance across buckets.
func (s *Service) Partition(deviceID string, tsNs int64) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	fmt.Fprintf(h, "|%d", tsNs/int64(partitionBucket))
	return int(h.Sum32()) % len(s.parts)
}

// Ingest runs the full per-chunk contract: validate, anonymize, score,
// route, publish, ledger. The chunk's UserID field, if set, is replaced by
// its pseudonym before anything downstream sees it.
func (s *Service) Ingest(ctx context.Context, chunk *types.SampleChunk) (*Result, error) {
	if !s.limiter.Allow() {
		telemetry.DroppedChunks.WithLabelValues("admission").Inc()
		return nil, errcode.Newf(errcode.Resource, errcode.CodeBusy,
			"admission rate exceeded").WithDevice(chunk.DeviceID)
	}
	if err := s.validate(chunk); err != nil {
		telemetry.DroppedChunks.WithLabelValues("validation").Inc()
		return nil, err
	}
	session, err := s.resolveSession(chunk)
	if err != nil {
		telemetry.DroppedChunks.WithLabelValues("unknown_session").Inc()
		return nil, err
	}
	if chunk.IngestTsNs == 0 {
		chunk.IngestTsNs = s.clk.Now().UnixNano()
	}

	report := dsp.Quality(chunk.Samples, float64(chunk.SamplingRateHz), dsp.DefaultQualityWeights)
	stats := s.observe(chunk, report.Overall)

	if s.occupancy() > s.cfg.IngestBufferHighWM {
		if s.shouldShed(chunk.DeviceID) {
			telemetry.ShedChunks.WithLabelValues(chunk.DeviceID).Inc()
			s.ledgerEvent(ctx, ledger.NewIntent(ledger.EventAnomalyDetected,
				chunk.SessionID, chunk.DeviceID, "", map[string]interface{}{
					"reason":    "shed",
					"chunk_seq": chunk.ChunkSeq,
					"quality":   report.Overall,
				}))
			return nil, errcode.Newf(errcode.Resource, errcode.CodeShed,
				"stream shed under backpressure (quality %.2f, loss %.2f)",
				stats.quality, stats.lossRatio()).
				WithDevice(chunk.DeviceID).WithChunk(chunk.ChunkSeq)
		}
		telemetry.DroppedChunks.WithLabelValues("busy").Inc()
		return nil, errcode.Newf(errcode.Resource, errcode.CodeBusy,
			"ingestion buffer above high watermark").WithDevice(chunk.DeviceID)
	}

	encoded, err := s.codec.Encode(chunk)
	if err != nil {
		telemetry.DroppedChunks.WithLabelValues("validation").Inc()
		return nil, err
	}
	dataHash := sha256.Sum256(encoded)

	partition := s.Partition(chunk.DeviceID, chunk.DeviceTsNs)
	bucket := chunk.DeviceTsNs / int64(partitionBucket)
	q := queued{
		topic: stream.RawTopic(chunk.DataType.String()),
		key:   fmt.Sprintf("%s|%d", chunk.DeviceID, bucket),
		value: encoded,
		headers: map[string]string{
			"codec_version": fmt.Sprintf("%d", codec.Version),
			"partition":     fmt.Sprintf("%d", partition),
		},
		deviceID: chunk.DeviceID,
	}
	select {
	case s.parts[partition] <- q:
	default:
		telemetry.DroppedChunks.WithLabelValues("busy").Inc()
		return nil, errcode.Newf(errcode.Resource, errcode.CodeBusy,
			"partition %d buffer full", partition).WithDevice(chunk.DeviceID)
	}

	eventID := s.ledgerEvent(ctx, ledger.NewIntent(ledger.EventDataIngested,
		chunk.SessionID, chunk.DeviceID, s.Anonymize(session.SubjectID),
		map[string]interface{}{
			"chunk_seq": chunk.ChunkSeq,
			"quality":   report.Overall,
			"samples":   chunk.NumSamples(),
		}).WithDataHash(dataHash))

	telemetry.IngestedChunks.WithLabelValues(chunk.DataType.String()).Inc()
	return &Result{
		SessionID:        chunk.SessionID,
		SamplesProcessed: chunk.NumSamples(),
		Quality:          report.Overall,
		LedgerEventID:    eventID,
		Partition:        partition,
	}, nil
}

// IngestEncoded is the replay and batch entry point: the chunk arrives in
// wire form and the codec's CRC is the authenticity check.
func (s *Service) IngestEncoded(ctx context.Context, raw []byte) (*Result, error) {
	chunk, err := s.codec.Decode(raw)
	if err != nil {
		if errcode.CodeOf(err) == errcode.CodeChecksum {
			telemetry.DroppedChunks.WithLabelValues("checksum").Inc()
		} else {
			telemetry.DroppedChunks.WithLabelValues("validation").Inc()
		}
		return nil, err
	}
	return s.Ingest(ctx, chunk)
}

func (s *Service) validate(chunk *types.SampleChunk) error {
	if err := chunk.Validate(); err != nil {
		return errcode.New(errcode.Validation, errcode.CodeInvalidChunk, err).
			WithDevice(chunk.DeviceID).WithChunk(chunk.ChunkSeq)
	}
	return nil
}

// resolveSession checks the chunk against the active session snapshot.
func (s *Service) resolveSession(chunk *types.SampleChunk) (*types.Session, error) {
	var session *types.Session
	if s.sessions != nil {
		session = s.sessions.Session()
	}
	if session == nil || (chunk.SessionID != "" && chunk.SessionID != session.ID) {
		if !s.cfg.IngestAutoCreate {
			return nil, errcode.Newf(errcode.Validation, errcode.CodeUnknownSession,
				"chunk references session %q which is not active", chunk.SessionID).
				WithSession(chunk.SessionID).WithDevice(chunk.DeviceID)
		}
		if session == nil {
			session = &types.Session{
				ID:             chunk.SessionID,
				DataType:       chunk.DataType,
				SamplingRateHz: chunk.SamplingRateHz,
				NumChannels:    chunk.NumChannels(),
			}
		}
	}
	if chunk.SessionID == "" {
		chunk.SessionID = session.ID
	}
	if session.SamplingRateHz != 0 && session.SamplingRateHz != chunk.SamplingRateHz {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeInvalidChunk,
			"sampling rate %d does not match session's %d",
			chunk.SamplingRateHz, session.SamplingRateHz).
			WithSession(chunk.SessionID).WithDevice(chunk.DeviceID).WithChunk(chunk.ChunkSeq)
	}
	if session.NumChannels != 0 && session.NumChannels != chunk.NumChannels() {
		return nil, errcode.Newf(errcode.Validation, errcode.CodeInvalidChunk,
			"channel count %d does not match session's %d",
			chunk.NumChannels(), session.NumChannels).
			WithSession(chunk.SessionID).WithDevice(chunk.DeviceID).WithChunk(chunk.ChunkSeq)
	}
	return session, nil
}

// observe updates the device's shedding stats from one chunk.
func (s *Service) observe(chunk *types.SampleChunk, quality float64) *deviceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.devices[chunk.DeviceID]
	if !ok {
		stats = &deviceStats{quality: quality}
		s.devices[chunk.DeviceID] = stats
	}
	// Exponential smoothing keeps one bad chunk from flapping the
	// shedding order.
	stats.quality = 0.8*stats.quality + 0.2*quality
	if stats.lastSeq != 0 && chunk.ChunkSeq > stats.lastSeq+1 {
		stats.lost += chunk.ChunkSeq - stats.lastSeq - 1
	}
	stats.lastSeq = chunk.ChunkSeq
	stats.received++
	snapshot := *stats
	return &snapshot
}

// shedQualityFloor bounds the shedding weight of a near-zero-quality
// stream so one dead stream cannot absorb every drop outright.
const shedQualityFloor = 0.05

// shouldShed draws the shedding decision for deviceID. Each observed
// stream is shed with probability (1/q_i)/sum(1/q_j) over its smoothed
// quality, so drops land on every stream in proportion to how bad it is
// rather than all on the single worst one. Packet loss breaks ties between
// equal qualities by inflating the weight.
func (s *Service) shouldShed(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	weight := func(stats *deviceStats) float64 {
		q := stats.quality
		if q < shedQualityFloor {
			q = shedQualityFloor
		}
		return (1 / q) * (1 + stats.lossRatio())
	}
	var sum float64
	for _, stats := range s.devices {
		sum += weight(stats)
	}
	if sum == 0 {
		return true
	}
	return s.rng.Float64() < weight(target)/sum
}

// occupancy is the buffered fraction across all partitions.
func (s *Service) occupancy() float64 {
	var used, capacity int
	for _, p := range s.parts {
		used += len(p)
		capacity += cap(p)
	}
	if capacity == 0 {
		return 0
	}
	return float64(used) / float64(capacity)
}

// adjustAdmission runs one AIMD step from the broker's consumer lag:
// additive increase 5% per second while consumers keep up, multiplicative
// decrease by half when the lag exceeds the buffer's worth of records.
func (s *Service) adjustAdmission() {
	if s.broker == nil {
		return
	}
	var lag int
	for _, dt := range []types.DataType{types.DataTypeEEG, types.DataTypeEMG, types.DataTypeECoG,
		types.DataTypeLFP, types.DataTypeSpikes, types.DataTypeAccelerometer} {
		if l := s.broker.Lag(stream.RawTopic(dt.String())); l > lag {
			lag = l
		}
	}
	limit := float64(s.limiter.Limit())
	slaLag := s.cfg.IngestBufferSize
	if slaLag <= 0 {
		slaLag = 10000
	}
	switch {
	case lag > slaLag:
		limit *= aimdDecrease
		if limit < 1 {
			limit = 1
		}
	case lag < slaLag/2:
		limit *= aimdIncrease
		if ceiling := float64(2 * slaLag); limit > ceiling {
			limit = ceiling
		}
	}
	s.limiter.SetLimit(rate.Limit(limit))
	telemetry.AdmissionRate.Set(limit)
}

// publishLoop drains one partition, retrying transient publish failures
// with full-jitter exponential backoff before dead-lettering.
func (s *Service) publishLoop(ctx context.Context, partition int) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-s.parts[partition]:
			s.publish(ctx, q)
		}
	}
}

func (s *Service) publish(ctx context.Context, q queued) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.IngestRetryInitial
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 10 * time.Second
	}
	bo.MaxInterval = s.cfg.IngestRetryMax
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 600 * time.Second
	}
	bo.RandomizationFactor = 1
	bo.MaxElapsedTime = 0
	attempts := s.cfg.IngestRetryAttempts
	if attempts <= 0 {
		attempts = 5
	}

	var err error
	for try := 0; try < attempts; try++ {
		pubCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.IngestPublishTimeout > 0 {
			pubCtx, cancel = context.WithTimeout(ctx, s.cfg.IngestPublishTimeout)
		}
		err = s.broker.Publish(pubCtx, q.topic, q.key, q.value, q.headers)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		log.Warnf("ingestion: publish to %s failed (attempt %d/%d), retrying in %s: %v",
			q.topic, try+1, attempts, wait, err)
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(wait):
		}
	}

	log.Errorf("ingestion: publish to %s exhausted %d attempts, dead-lettering: %v",
		q.topic, attempts, err)
	q.headers["origin_topic"] = q.topic
	q.headers["error"] = err.Error()
	if dlErr := s.broker.Publish(ctx, stream.TopicDeadLetter, q.key, q.value, q.headers); dlErr != nil {
		telemetry.DroppedChunks.WithLabelValues("publish_failed").Inc()
		log.Errorf("ingestion: dead-letter publish failed, chunk lost: %v", dlErr)
	}
}

func (s *Service) ledgerEvent(ctx context.Context, in ledger.Intent) uuid.UUID {
	if s.ledger == nil {
		return uuid.Nil
	}
	id, err := s.ledger.Append(ctx, in)
	if err != nil {
		telemetry.LedgerAppendFailures.WithLabelValues(string(in.EventType)).Inc()
		log.Warnf("ingestion: ledger append %s: %v", in.EventType, err)
		return uuid.Nil
	}
	return id
}
