// Package recording also implements the persistent retry queue described
// in spec §6: a finalized Recording that fails to upload is gzip-compressed
// to disk and retried on a schedule, capped by MAX_RETRIES and
// MAX_QUEUE_SIZE.
package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Sink uploads a finalized Recording (spec §6: "a POST to /recordings of
// the JSON finalized recording"). It is an external collaborator injected
// by the Coordinator, per the spec's Non-goals around persistence.
type Sink interface {
	Upload(ctx context.Context, rec Recording) error
}

// QueueConfig holds the persistent retry queue's tunables (spec §6).
type QueueConfig struct {
	Dir           string
	MaxRetries    int
	MaxQueueSize  int
	RetryInterval time.Duration
}

// DefaultQueueConfig is a conservative default for a single-rig deployment.
func DefaultQueueConfig(dir string) QueueConfig {
	return QueueConfig{Dir: dir, MaxRetries: 5, MaxQueueSize: 100, RetryInterval: 30 * time.Second}
}

// queueItem is the on-disk persisted shape of one retry-queue entry
// (spec §6: "{data, first_enqueued_at, retry_count}").
type queueItem struct {
	Recording       Recording `json:"data"`
	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`
	RetryCount      int       `json:"retry_count"`
	path            string
}

// RetryQueue persists Recordings that failed to upload and retries them on
// a schedule until MAX_RETRIES is exhausted or they succeed (spec §6).
type RetryQueue struct {
	cfg  QueueConfig
	sink Sink

	mu    sync.Mutex
	items []*queueItem

	cronSched *cron.Cron
}

// NewRetryQueue returns a RetryQueue backed by cfg.Dir, loading any items
// persisted from a prior run.
func NewRetryQueue(cfg QueueConfig, sink Sink) (*RetryQueue, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errPersistence, err)
	}

	q := &RetryQueue{cfg: cfg, sink: sink}
	if err := q.loadFromDisk(); err != nil {
		log.WithError(err).Warn("recording: failed to load persisted retry queue, starting empty")
	}
	return q, nil
}

func (q *RetryQueue) loadFromDisk() error {
	entries, err := os.ReadDir(q.cfg.Dir)
	if err != nil {
		return err
	}

	var items []*queueItem
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".gz" {
			continue
		}
		path := filepath.Join(q.cfg.Dir, entry.Name())
		item, err := readQueueItem(path)
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("recording: dropping unreadable retry-queue item")
			continue
		}
		item.path = path
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].FirstEnqueuedAt.Before(items[j].FirstEnqueuedAt) })

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return nil
}

// Start launches the periodic retry flush on q.cfg.RetryInterval. cron's
// @every schedule has one-second granularity, so an interval under a second
// runs once per second.
func (q *RetryQueue) Start(ctx context.Context) {
	q.cronSched = cron.New()
	spec := fmt.Sprintf("@every %s", q.cfg.RetryInterval)
	_, _ = q.cronSched.AddFunc(spec, func() { q.flush(ctx) })
	q.cronSched.Start()
}

// Stop halts the periodic retry flush.
func (q *RetryQueue) Stop() {
	if q.cronSched != nil {
		q.cronSched.Stop()
	}
}

// Enqueue persists rec to disk and schedules it for retry (spec §6).
// Oldest items are evicted once the queue exceeds MAX_QUEUE_SIZE.
func (q *RetryQueue) Enqueue(rec Recording) error {
	item := &queueItem{Recording: rec, FirstEnqueuedAt: time.Now()}
	path := filepath.Join(q.cfg.Dir, rec.RecordingID+".gz")
	if err := writeQueueItem(path, item); err != nil {
		return fmt.Errorf("%w: %v", errPersistence, err)
	}
	item.path = path

	q.mu.Lock()
	q.items = append(q.items, item)
	q.evictOverflowLocked()
	q.mu.Unlock()
	return nil
}

// evictOverflowLocked drops the oldest items past MAX_QUEUE_SIZE. Caller
// holds q.mu.
func (q *RetryQueue) evictOverflowLocked() {
	if q.cfg.MaxQueueSize <= 0 || len(q.items) <= q.cfg.MaxQueueSize {
		return
	}
	overflow := len(q.items) - q.cfg.MaxQueueSize
	for _, victim := range q.items[:overflow] {
		_ = os.Remove(victim.path)
		log.WithField("recording_id", victim.Recording.RecordingID).Warn("recording: retry queue full, evicting oldest item")
	}
	q.items = q.items[overflow:]
}

// flush attempts to upload every queued item; successes are removed,
// failures increment retry_count, and items exhausting MAX_RETRIES are
// dropped with a warning (spec §6).
func (q *RetryQueue) flush(ctx context.Context) {
	q.mu.Lock()
	items := append([]*queueItem{}, q.items...)
	q.mu.Unlock()

	var remaining []*queueItem
	for _, item := range items {
		if err := q.sink.Upload(ctx, item.Recording); err == nil {
			_ = os.Remove(item.path)
			continue
		}

		item.RetryCount++
		if item.RetryCount >= q.cfg.MaxRetries {
			_ = os.Remove(item.path)
			log.WithField("recording_id", item.Recording.RecordingID).
				WithField("retries", item.RetryCount).
				Error("recording: dropping retry-queue item, max retries exceeded")
			continue
		}

		_ = writeQueueItem(item.path, item)
		remaining = append(remaining, item)
	}

	q.mu.Lock()
	processed := make(map[*queueItem]bool, len(items))
	for _, item := range items {
		processed[item] = true
	}
	merged := make([]*queueItem, 0, len(remaining)+len(q.items))
	merged = append(merged, remaining...)
	for _, item := range q.items {
		// Enqueued (or re-enqueued by an overlapping flush) while this flush's
		// upload loop ran unlocked; keep it rather than dropping it from memory.
		if !processed[item] {
			merged = append(merged, item)
		}
	}
	q.items = merged
	q.mu.Unlock()
}

// Len reports the current retry-queue depth.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func writeQueueItem(path string, item *queueItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func readQueueItem(path string) (*queueItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}

	var item queueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
