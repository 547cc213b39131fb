// Package bus wires the pipeline: a bounded FIFO queue feeds one worker that
// runs normalize, privacy, and priority in sequence, then batches inserts
// into the store.
//
// The single-worker discipline is the concurrency invariant: the normalizer,
// privacy guard, and priority processor are not safe for concurrent entry and
// are only ever touched from the worker goroutine.
package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/metrics"
	"github.com/chronicl/collector/internal/normalize"
	"github.com/chronicl/collector/internal/priority"
	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/store"
)

const popTimeout = 500 * time.Millisecond

type Options struct {
	ValidationLevel      normalize.Level
	QueueSize            int
	InsertBatchSize      int
	InsertFlushMS        int
	InsertRetryAttempts  int
	InsertRetryBackoffMS int
	ActivityDetail       ActivityDetailOptions
}

type ActivityDetailOptions struct {
	Enabled        bool
	MinDurationSec int
	StoreHint      bool
	HashSalt       string
	FullTitleApps  []string
	MaxTitleLen    int
}

type Bus struct {
	store     *store.Store
	guard     *privacy.Guard
	processor *priority.Processor
	metrics   *metrics.Registry
	logger    *zap.Logger
	opts      Options

	queue    chan map[string]any
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	buffer    []*envelope.Envelope
	lastFlush time.Time

	fullTitleApps map[string]struct{}
}

func New(st *store.Store, guard *privacy.Guard, proc *priority.Processor,
	reg *metrics.Registry, logger *zap.Logger, opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.InsertBatchSize <= 0 {
		opts.InsertBatchSize = 100
	}
	if opts.InsertFlushMS < 100 {
		opts.InsertFlushMS = 100
	}
	if opts.ValidationLevel == "" {
		opts.ValidationLevel = normalize.Lenient
	}
	if opts.ActivityDetail.MaxTitleLen < 0 {
		opts.ActivityDetail.MaxTitleLen = 0
	}
	return &Bus{
		store:         st,
		guard:         guard,
		processor:     proc,
		metrics:       reg,
		logger:        logger,
		opts:          opts,
		queue:         make(chan map[string]any, opts.QueueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		lastFlush:     time.Now(),
		fullTitleApps: lowerSet(opts.ActivityDetail.FullTitleApps),
	}
}

func (b *Bus) Start() {
	go b.run()
}

// Enqueue offers a raw event without blocking. False means the queue is full
// and the caller should report backpressure (HTTP 429).
func (b *Bus) Enqueue(event map[string]any) bool {
	select {
	case b.queue <- event:
		b.metrics.SetGauge("queue.depth", float64(len(b.queue)))
		return true
	default:
		b.metrics.SetGauge("queue.depth", float64(len(b.queue)))
		b.metrics.RecordDrop("queue_full")
		return false
	}
}

// Stop drains for at most drainSeconds, stops the worker, pulls the pending
// focus block out of the processor, and flushes the final batch.
func (b *Bus) Stop(drainSeconds int) {
	deadline := time.Now().Add(time.Duration(drainSeconds) * time.Second)
	for drainSeconds > 0 && len(b.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	b.buffer = append(b.buffer, b.processor.Flush()...)
	b.flushBuffer(true)
}

func (b *Bus) run() {
	defer close(b.done)
	timer := time.NewTimer(popTimeout)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(popTimeout)
		select {
		case <-b.stop:
			return
		case <-timer.C:
			b.metrics.SetGauge("queue.depth", float64(len(b.queue)))
			b.flushBuffer(false)
		case item := <-b.queue:
			b.processItem(item)
			b.metrics.SetGauge("queue.depth", float64(len(b.queue)))
			b.metrics.MaybeLog(b.logger, b.store.DBSize())
		}
	}
}

func (b *Bus) processItem(item map[string]any) {
	env, err := normalize.Normalize(item, b.opts.ValidationLevel)
	if err != nil {
		var schemaErr *normalize.SchemaError
		if errors.As(err, &schemaErr) {
			b.logger.Warn("drop event", zap.String("kind", schemaErr.Kind), zap.String("field", schemaErr.Field))
			b.metrics.RecordIngestInvalid()
			return
		}
		b.logger.Error("normalize failed", zap.Error(err))
		b.metrics.RecordIngestInvalid()
		return
	}
	env = b.guard.Apply(env)
	if env == nil {
		return
	}
	ratio := float64(len(b.queue)) / float64(cap(b.queue))
	for _, out := range b.processor.Process(env, ratio) {
		b.buffer = append(b.buffer, out)
		if len(b.buffer) >= b.opts.InsertBatchSize {
			b.flushBuffer(true)
		}
	}
	b.flushBuffer(false)
}

func (b *Bus) flushBuffer(force bool) {
	if len(b.buffer) == 0 {
		return
	}
	now := time.Now()
	if !force && now.Sub(b.lastFlush) < time.Duration(b.opts.InsertFlushMS)*time.Millisecond {
		return
	}
	batch := b.buffer
	b.buffer = nil
	b.lastFlush = now

	rows, marshalErrs := toInsertRows(batch)
	for range marshalErrs {
		b.metrics.RecordInsertFail()
	}
	if err := b.store.InsertEvents(rows, b.opts.InsertRetryAttempts, b.opts.InsertRetryBackoffMS); err != nil {
		b.logger.Error("insert batch failed", zap.Int("batch", len(rows)), zap.Error(err))
		for range rows {
			b.metrics.RecordInsertFail()
		}
		return
	}

	var details []store.ActivityDetailRecord
	if b.opts.ActivityDetail.Enabled {
		details = b.buildActivityDetails(batch)
		if err := b.store.UpsertActivityDetails(details); err != nil {
			b.logger.Error("upsert activity details failed", zap.Error(err))
		}
	}

	for _, out := range batch {
		b.metrics.RecordPriority(out.Priority)
		b.metrics.RecordInsertOK()
		b.metrics.SetLastEventTS(out.TS)
		b.metrics.RecordActivity(out.App, out.EventType, payloadDuration(out.Payload), out.Priority)
		b.logBrowserActivity(out)
	}
	b.logActivityDetails(details)
}

func toInsertRows(batch []*envelope.Envelope) ([]store.EventToInsert, []error) {
	rows := make([]store.EventToInsert, 0, len(batch))
	var errs []error
	for _, env := range batch {
		payloadJSON, err := store.MarshalJSONValue(env.Payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		privacyJSON, err := store.MarshalJSONValue(env.Privacy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rawJSON, err := store.MarshalJSONValue(env.Raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows = append(rows, store.EventToInsert{
			SchemaVersion: env.SchemaVersion,
			EventID:       env.EventID,
			TS:            env.TS,
			Source:        env.Source,
			App:           env.App,
			EventType:     env.EventType,
			Priority:      string(env.Priority),
			ResourceType:  env.Resource.Type,
			ResourceID:    env.Resource.ID,
			PayloadJSON:   payloadJSON,
			PrivacyJSON:   privacyJSON,
			PID:           env.PID,
			WindowID:      env.WindowID,
			RawJSON:       rawJSON,
		})
	}
	return rows, errs
}

func (b *Bus) logBrowserActivity(out *envelope.Envelope) {
	if !hasPrefixFold(out.EventType, "browser.") {
		return
	}
	fields := []zap.Field{zap.String("app", out.App)}
	n := 0
	if title, ok := out.Payload["window_title"].(string); ok && title != "" {
		fields = append(fields, zap.String("title_hint", title))
		n++
	}
	if u, ok := out.Payload["url"].(string); ok && u != "" {
		fields = append(fields, zap.String("url", u))
		n++
	}
	if d, ok := out.Payload["domain"].(string); ok && d != "" {
		fields = append(fields, zap.String("domain", d))
		n++
	}
	if n == 0 {
		return
	}
	if out.TS != "" {
		fields = append(fields, zap.String("event_ts", out.TS))
	}
	b.logger.Info("browser_activity", fields...)
}

func (b *Bus) logActivityDetails(details []store.ActivityDetailRecord) {
	if len(b.fullTitleApps) == 0 {
		return
	}
	for _, rec := range details {
		if _, ok := b.fullTitleApps[toLower(rec.App)]; !ok || rec.TitleHint == "" {
			continue
		}
		b.logger.Info("activity_detail",
			zap.String("app", rec.App),
			zap.Int("duration_sec", rec.DurationSec),
			zap.String("title_hint", rec.TitleHint),
			zap.String("first_seen_ts", rec.FirstSeenTS),
			zap.String("last_seen_ts", rec.LastSeenTS),
			zap.String("title_label", TitleLabel(rec.App, rec.TitleHash)),
		)
	}
}

func payloadDuration(payload map[string]any) int {
	switch v := payload["duration_sec"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
