// Package seclog is the shared, bounded, append-only security event log.
package seclog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/model"
	"realtime-gateway/internal/util"
)

// Archiver receives batches of events for long-term storage. Archival is
// best-effort: it never blocks Append and failures only log.
type Archiver interface {
	Archive(ctx context.Context, events []model.SecurityEvent) error
	Name() string
}

// Filter narrows a query. All set fields compose with AND semantics.
type Filter struct {
	Identity     string
	ConnectionID string
	Type         model.EventType
	MinSeverity  model.Severity
	Since        time.Time
}

// Log is a fixed-capacity ring buffer; once full, the oldest event is
// evicted on each append. Events are immutable after append.
type Log struct {
	mu       sync.Mutex
	buf      []model.SecurityEvent
	head     int // index of oldest event
	count    int
	capacity int

	archiveCh    chan model.SecurityEvent
	archivers    []Archiver
	hasArchivers atomic.Bool
	batchSize    int
	interval     time.Duration
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{
		buf:       make([]model.SecurityEvent, capacity),
		capacity:  capacity,
		archiveCh: make(chan model.SecurityEvent, capacity),
		batchSize: 100,
		interval:  10 * time.Second,
	}
}

// AttachArchiver registers a long-term storage sink. Must be called
// before RunArchival starts.
func (l *Log) AttachArchiver(a Archiver) {
	l.mu.Lock()
	l.archivers = append(l.archivers, a)
	l.mu.Unlock()
	l.hasArchivers.Store(true)
}

// SetArchiveBatching overrides the flush batch size and interval.
func (l *Log) SetArchiveBatching(size int, interval time.Duration) {
	if size > 0 {
		l.batchSize = size
	}
	if interval > 0 {
		l.interval = interval
	}
}

// Append records an event. A zero timestamp is stamped with the current
// time. When the buffer is full the oldest event is evicted first.
func (l *Log) Append(event model.SecurityEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	if l.count < l.capacity {
		l.buf[(l.head+l.count)%l.capacity] = event
		l.count++
	} else {
		l.buf[l.head] = event
		l.head = (l.head + 1) % l.capacity
	}
	l.mu.Unlock()

	if l.hasArchivers.Load() {
		select {
		case l.archiveCh <- event:
		default:
			util.Warn("event archive queue full, dropping event",
				zap.String("type", string(event.Type)))
		}
	}
}

// Query returns matching events in append order. The returned slice is a
// copy; callers cannot mutate logged events through it.
func (l *Log) Query(f Filter) []model.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.SecurityEvent
	for i := 0; i < l.count; i++ {
		e := l.buf[(l.head+i)%l.capacity]
		if matches(e, f) {
			out = append(out, e)
		}
	}
	return out
}

func matches(e model.SecurityEvent, f Filter) bool {
	if f.Identity != "" && e.Identity != f.Identity {
		return false
	}
	if f.ConnectionID != "" && e.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Len reports the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Clear empties the log. Test-only.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.count = 0
}

// RunArchival drains the archive queue into registered archivers in
// batches until ctx is canceled. Runs on its own goroutine; archival
// never blocks the append path.
func (l *Log) RunArchival(ctx context.Context) {
	l.mu.Lock()
	archivers := make([]Archiver, len(l.archivers))
	copy(archivers, l.archivers)
	l.mu.Unlock()
	if len(archivers) == 0 {
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	batch := make([]model.SecurityEvent, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, a := range archivers {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := a.Archive(archiveCtx, batch); err != nil {
				util.Warn("event archival failed",
					zap.String("archiver", a.Name()),
					zap.Int("batch_size", len(batch)),
					zap.Error(err))
			}
			cancel()
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e := <-l.archiveCh:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
