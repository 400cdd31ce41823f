package api

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"mindspace-board/domain"
)

var (
	errOutboxSaturated = errors.New("change outbox is saturated")
	errOutboxClosed    = errors.New("change outbox is closed")
)

// OutboxConfig tunes the change outbox.
type OutboxConfig struct {
	BufferSize      int
	Workers         int
	BatchSize       int
	FlushInterval   time.Duration
	DeliveryTimeout time.Duration
	HandoffTimeout  time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	SyncInterval    time.Duration
	Dir             string
	SegmentBytes    int64
	SyncEvery       int
}

// OutboxConfigFromEnv reads the OUTBOX_* variables over the defaults.
func OutboxConfigFromEnv() OutboxConfig {
	return OutboxConfig{
		BufferSize:      envInt("OUTBOX_BUFFER", 4096),
		Workers:         envInt("OUTBOX_WORKERS", 16),
		BatchSize:       envInt("OUTBOX_BATCH", 32),
		FlushInterval:   envDur("OUTBOX_FLUSH_INTERVAL", 5*time.Millisecond),
		DeliveryTimeout: envDur("OUTBOX_ENQUEUE_TIMEOUT", 60*time.Second),
		HandoffTimeout:  envDur("OUTBOX_HANDOFF_TIMEOUT", 25*time.Millisecond),
		RetryInitial:    envDur("OUTBOX_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:        envDur("OUTBOX_RETRY_MAX", 30*time.Second),
		SyncInterval:    envDur("OUTBOX_SYNC_INTERVAL", 2*time.Millisecond),
		Dir:             envString("OUTBOX_DIR", filepath.Join(os.TempDir(), "mindspace-outbox")),
		SegmentBytes:    int64(envInt("OUTBOX_SEGMENT_MB", 128)) * 1024 * 1024,
		SyncEvery:       envInt("OUTBOX_SYNC_EVERY", 1),
	}
}

func (c OutboxConfig) normalized() OutboxConfig {
	c.Workers = max(c.Workers, 1)
	c.BatchSize = max(c.BatchSize, 1)
	if c.BufferSize <= 0 {
		c.BufferSize = c.Workers * c.BatchSize * 2
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 64 * 1024 * 1024
	}
	c.SyncEvery = max(c.SyncEvery, 1)
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Millisecond
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = time.Minute
	}
	return c
}

// Outbox makes drained changes durable in a WAL and delivers them to the
// sink from a worker pool. Failed deliveries are retried with backoff; the
// checkpoint only advances over a contiguous run of delivered records.
type Outbox struct {
	cfg      OutboxConfig
	sink     ChangeSink
	notifier Notifier
	logger   *log.Logger
	wal      *wal

	workCh   chan *walRecord
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	inflight  map[uint64]*walRecord
	acked     map[uint64]struct{}
	nextAck   uint64
	closing   bool
	delivered atomic.Uint64
	retries   atomic.Uint64
	started   time.Time
}

// OutboxStats is served at GET /api/outbox.
type OutboxStats struct {
	QueueDepth int       `json:"queueDepth"`
	Buffered   int       `json:"buffered"`
	OldestAgeS float64   `json:"oldestAgeSeconds"`
	Delivered  uint64    `json:"delivered"`
	Retries    uint64    `json:"retries"`
	StartedAt  time.Time `json:"startedAt"`
	DrainRate  float64   `json:"drainRatePerSecond"`
}

// NewOutbox opens the WAL, replays undelivered records and starts the
// workers. notifier may be nil.
func NewOutbox(cfg OutboxConfig, sink ChangeSink, notifier Notifier, logger *log.Logger) (*Outbox, error) {
	if sink == nil {
		return nil, errors.New("outbox sink is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.normalized()
	w, pending, err := openWAL(walConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		cfg:      cfg,
		sink:     sink,
		notifier: notifier,
		logger:   logger,
		wal:      w,
		workCh:   make(chan *walRecord, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*walRecord, len(pending)),
		acked:    make(map[uint64]struct{}),
		nextAck:  w.committed,
		started:  time.Now().UTC(),
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	for _, rec := range pending {
		o.inflight[rec.Offset] = rec
	}
	if len(pending) > 0 {
		logger.WithField("records", len(pending)).Info("replaying undelivered outbox records")
	}

	for i := range cfg.Workers {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	if cfg.SyncInterval > 0 && cfg.SyncEvery > 1 {
		go o.syncLoop()
	}
	go func() {
		for _, rec := range pending {
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
				return
			}
		}
	}()
	return o, nil
}

// Enqueue appends the changes of sess to the WAL and hands them to a worker.
// errOutboxSaturated means nothing was recorded and the caller should
// persist the changes itself.
func (o *Outbox) Enqueue(sess domain.Session, changes []domain.Change) error {
	if len(changes) == 0 {
		return nil
	}
	rec := &walRecord{
		WorkspaceID: sess.WorkspaceID,
		UserID:      sess.UserID,
		Changes:     append([]domain.Change(nil), changes...),
		Timestamp:   time.Now().UTC(),
	}

	o.wal.mu.Lock()
	defer o.wal.mu.Unlock()
	if err := o.wal.appendLocked(rec); err != nil {
		return err
	}
	if err := o.wal.syncIfNeededLocked(); err != nil {
		o.rollbackLocked(rec)
		return err
	}

	o.mu.Lock()
	o.inflight[rec.Offset] = rec
	o.mu.Unlock()

	if err := o.handoff(rec); err != nil {
		o.mu.Lock()
		delete(o.inflight, rec.Offset)
		o.mu.Unlock()
		o.rollbackLocked(rec)
		if err := o.wal.syncLocked(); err != nil {
			o.logger.WithError(err).Error("wal sync after rollback failed")
		}
		return err
	}
	return nil
}

func (o *Outbox) rollbackLocked(rec *walRecord) {
	if err := o.wal.rollbackLocked(rec); err != nil {
		o.logger.WithError(err).Error("wal rollback failed")
	}
}

func (o *Outbox) handoff(rec *walRecord) error {
	if o.cfg.HandoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		case <-o.stopCh:
			return errOutboxClosed
		default:
			return errOutboxSaturated
		}
	}
	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		return errOutboxSaturated
	case <-o.stopCh:
		return errOutboxClosed
	}
}

func (o *Outbox) syncLoop() {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.wal.mu.Lock()
			err := o.wal.syncLocked()
			o.wal.mu.Unlock()
			if errors.Is(err, errWALClosed) {
				return
			}
			if err != nil {
				o.logger.WithError(err).Error("outbox wal sync failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *Outbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*walRecord, 0, o.cfg.BatchSize)
	timer := time.NewTimer(o.cfg.FlushInterval)
	defer timer.Stop()
	for {
		select {
		case rec, ok := <-o.workCh:
			if !ok {
				return
			}
			batch = append(batch, rec)
		case <-o.stopCh:
			return
		}
		timer.Reset(o.cfg.FlushInterval)

	gather:
		for len(batch) < o.cfg.BatchSize {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					break gather
				}
				batch = append(batch, rec)
			case <-timer.C:
				break gather
			case <-o.stopCh:
				return
			}
		}

		o.deliver(batch, id)
		batch = batch[:0]
	}
}

func (o *Outbox) deliver(batch []*walRecord, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DeliveryTimeout)
	defer cancel()

	delivered := make([]*walRecord, 0, len(batch))
	for _, rec := range batch {
		sess := rec.session()
		if err := o.sink.EnqueueChanges(ctx, sess, rec.Changes); err != nil {
			rec.Attempt++
			rec.LastErr = err.Error()
			o.logger.WithError(err).WithFields(log.Fields{
				"worker":    workerID,
				"workspace": rec.WorkspaceID,
				"changes":   len(rec.Changes),
				"offset":    rec.Offset,
				"attempt":   rec.Attempt,
			}).Error("change outbox delivery failed")
			o.scheduleRetry(rec)
			continue
		}
		rec.Attempt = 0
		rec.LastErr = ""
		delivered = append(delivered, rec)
		if o.notifier != nil {
			if err := o.notifier.Notify(ctx, sess, rec.Changes); err != nil {
				o.logger.WithError(err).WithField("workspace", rec.WorkspaceID).Warn("board update notification failed")
			}
		}
	}
	if len(delivered) > 0 {
		o.markDelivered(delivered)
	}
}

func (o *Outbox) markDelivered(records []*walRecord) {
	o.mu.Lock()
	for _, rec := range records {
		delete(o.inflight, rec.Offset)
		o.acked[rec.Offset] = struct{}{}
	}
	o.delivered.Add(uint64(len(records)))
	commit := o.nextAck
	for {
		if _, ok := o.acked[commit+1]; !ok {
			break
		}
		commit++
		delete(o.acked, commit)
	}
	advanced := commit > o.nextAck
	o.nextAck = commit
	o.mu.Unlock()

	if !advanced {
		return
	}
	o.wal.mu.Lock()
	if err := o.wal.commitLocked(commit); err != nil && !errors.Is(err, errWALClosed) {
		o.logger.WithError(err).Error("failed to commit outbox WAL")
	}
	o.wal.mu.Unlock()
}

func (o *Outbox) scheduleRetry(rec *walRecord) {
	o.retries.Add(1)
	delay := exponentialBackoff(rec.Attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	o.retryWG.Add(1)
	go func() {
		defer o.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}()
}

// exponentialBackoff doubles initial per attempt up to limit with +/-20%
// jitter.
func exponentialBackoff(attempt int, initial, limit time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if limit <= 0 {
		limit = 10 * time.Second
	}
	backoff := math.Min(float64(initial)*math.Pow(2, float64(attempt-1)), float64(limit))
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()*2-1)*jitter)
}

// Stats reports the outbox depth and delivery rate.
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	depth := len(o.inflight)
	var oldest time.Duration
	now := time.Now()
	for _, rec := range o.inflight {
		oldest = max(oldest, now.Sub(rec.Timestamp))
	}
	o.mu.Unlock()

	delivered := o.delivered.Load()
	rate := 0.0
	if elapsed := time.Since(o.started).Seconds(); elapsed > 0 {
		rate = float64(delivered) / elapsed
	}
	return OutboxStats{
		QueueDepth: depth,
		Buffered:   len(o.workCh),
		OldestAgeS: oldest.Seconds(),
		Delivered:  delivered,
		Retries:    o.retries.Load(),
		StartedAt:  o.started,
		DrainRate:  rate,
	}
}

// Close stops the workers and closes the WAL. Undelivered records stay in
// the WAL and are replayed by the next NewOutbox on the same directory.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	o.workerWG.Wait()
	o.retryWG.Wait()
	o.wal.close()
}
