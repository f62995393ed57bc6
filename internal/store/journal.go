package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/security-geeks/evilbts/internal/ybts"
)

const (
	journalQueue = 1024
	journalBatch = 64
	flushPeriod  = time.Second
)

// Journal records connection lifecycle events. It implements
// ybts.ConnObserver. Events are queued and written by Run so observers
// never block the signaling session; when the queue is full events are
// dropped and counted.
type Journal struct {
	db      *gorm.DB
	events  chan ConnEvent
	epoch   atomic.Value // string
	dropped atomic.Uint64
	logger  *slog.Logger
}

// Journal returns a journal writing to d.
func (d *DB) Journal() *Journal {
	j := &Journal{
		db:     d.db,
		events: make(chan ConnEvent, journalQueue),
		logger: d.logger.With(slog.String("component", "store.journal")),
	}
	j.epoch.Store("")
	return j
}

// SetEpoch tags subsequent events with the transport epoch.
func (j *Journal) SetEpoch(epoch string) { j.epoch.Store(epoch) }

// Dropped returns the number of events lost to a full queue.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// ConnCreated implements ybts.ConnObserver.
func (j *Journal) ConnCreated(info ybts.ConnInfo) {
	j.Record(ConnEvent{
		ConnID:     info.ID,
		Kind:       kindOf(info.ID),
		Event:      EventCreated,
		Subscriber: refString(info.SessionRef),
		At:         info.Created,
	})
}

// ConnReleased implements ybts.ConnObserver.
func (j *Journal) ConnReleased(info ybts.ConnInfo, reason string) {
	j.Record(ConnEvent{
		ConnID:     info.ID,
		Kind:       kindOf(info.ID),
		Event:      EventReleased,
		Subscriber: refString(info.SessionRef),
		Detail:     reason,
	})
}

// Record queues ev. Missing epoch and time are filled in.
func (j *Journal) Record(ev ConnEvent) {
	if ev.Epoch == "" {
		ev.Epoch, _ = j.epoch.Load().(string)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case j.events <- ev:
	default:
		j.dropped.Add(1)
	}
}

// Run writes queued events until ctx ends, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushPeriod)
	defer ticker.Stop()

	batch := make([]ConnEvent, 0, journalBatch)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-j.events:
					batch = append(batch, ev)
				default:
					j.flush(context.WithoutCancel(ctx), batch)
					return nil
				}
			}
		case ev := <-j.events:
			batch = append(batch, ev)
			if len(batch) >= journalBatch {
				j.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (j *Journal) flush(ctx context.Context, batch []ConnEvent) {
	if len(batch) == 0 {
		return
	}
	if err := j.db.WithContext(ctx).CreateInBatches(batch, journalBatch).Error; err != nil {
		j.logger.Warn("journal write failed",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns up to limit events, newest first. A non-empty
// subscriber restricts the result to that subscriber.
func (j *Journal) Recent(ctx context.Context, subscriber string, limit int) ([]ConnEvent, error) {
	q := j.db.WithContext(ctx).Order("at DESC, id DESC").Limit(limit)
	if subscriber != "" {
		q = q.Where("subscriber = ?", subscriber)
	}
	var out []ConnEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return out, nil
}

// Prune deletes events older than before and returns how many went.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("at < ?", before).Delete(&ConnEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func kindOf(id uint16) string {
	if id >= ybts.GprsConnBase {
		return ybts.KindGprs
	}
	return ybts.KindCircuit
}

func refString(ref ybts.SessionRef) string {
	switch v := ref.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
