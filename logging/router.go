package logging

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to sinks. Publish never blocks: a full
// queue drops the event and counts it. Each sink is drained by its own
// goroutine so a slow or failing sink only delays itself.
type Router struct {
	cfg      Config
	clock    Clock
	fields   map[string]any
	fallback zerolog.Logger

	queue  chan Event
	sinks  []*sinkQueue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	routed      atomic.Uint64
	dropped     atomic.Uint64
	nextDropLog atomic.Int64
}

// SinkStats counts what happened to events handed to one sink.
type SinkStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type RouterStats struct {
	EventsTotal  uint64               `json:"eventsTotal"`
	DroppedTotal uint64               `json:"droppedTotal"`
	Sinks        map[string]SinkStats `json:"sinks,omitempty"`
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fields:   cfg.CloneFields(),
		fallback: zerolog.New(os.Stderr).With().Timestamp().Str("component", "logging").Logger(),
		queue:    make(chan Event, cfg.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	perSink := min(max(cfg.BufferSize, 32), 1024)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, &sinkQueue{
			name:     named.Name,
			sink:     named.Sink,
			events:   make(chan Event, perSink),
			fallback: r.fallback,
		})
	}

	r.wg.Add(1)
	go r.dispatch()
	for _, q := range r.sinks {
		r.wg.Add(1)
		go func(q *sinkQueue) {
			defer r.wg.Done()
			q.run(ctx)
		}(q)
	}
	return r, nil
}

func (r *Router) dispatch() {
	defer func() {
		for _, q := range r.sinks {
			close(q.events)
		}
		r.wg.Done()
	}()
	for {
		select {
		case event := <-r.queue:
			r.route(event)
		case <-r.ctx.Done():
			for {
				select {
				case event := <-r.queue:
					r.route(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) route(event Event) {
	if !r.cfg.Allows(event) {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = event.WithDefaults(r.fields)
	r.routed.Add(1)
	for _, q := range r.sinks {
		q.offer(event)
	}
}

func (r *Router) Publish(ctx context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.warnDrop(event)
	}
}

func (r *Router) warnDrop(event Event) {
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.nextDropLog.Load()
	if now < next || !r.nextDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		return
	}
	r.fallback.Warn().Str("type", string(event.Type)).Uint64("seq", event.Seq).Uint64("dropped", r.dropped.Load()).Msg("router queue full, dropping event")
}

// Close drains queued events into the sinks, then closes every sink. A
// second call waits for ctx and reports its error.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		<-ctx.Done()
		return ctx.Err()
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, q := range r.sinks {
		if err := q.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.routed.Load(),
		DroppedTotal: r.dropped.Load(),
	}
	if len(r.sinks) > 0 {
		stats.Sinks = make(map[string]SinkStats, len(r.sinks))
		for _, q := range r.sinks {
			stats.Sinks[q.name] = q.stats()
		}
	}
	return stats
}

// Counters flattens Stats into metric keys for diagnostics.
func (r *Router) Counters() map[string]uint64 {
	stats := r.Stats()
	out := map[string]uint64{
		"log_events_total":  stats.EventsTotal,
		"log_dropped_total": stats.DroppedTotal,
	}
	names := make([]string, 0, len(stats.Sinks))
	for name := range stats.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := stats.Sinks[name]
		out["log_sink_"+name+"_failed_total"] = s.Failed
		out["log_sink_"+name+"_dropped_total"] = s.Dropped
	}
	return out
}

func (r *Router) Sink(name string) Sink {
	for _, q := range r.sinks {
		if q.name == name {
			return q.sink
		}
	}
	return nil
}

type sinkQueue struct {
	name     string
	sink     Sink
	events   chan Event
	fallback zerolog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	// owned by run
	failures int
}

func (q *sinkQueue) offer(event Event) {
	select {
	case q.events <- event.Clone():
	default:
		q.dropped.Add(1)
		q.fallback.Warn().Str("sink", q.name).Str("type", string(event.Type)).Msg("sink backlog full, dropping event")
	}
}

// run writes events until the queue is closed. After a failure the next write
// waits for an exponential backoff capped at 32s; once the router is closing
// the backoff is skipped so the backlog still drains.
func (q *sinkQueue) run(ctx context.Context) {
	for event := range q.events {
		if q.failures > 0 {
			q.backoff(ctx)
		}
		if err := q.sink.Write(event); err != nil {
			q.failed.Add(1)
			q.failures++
			q.fallback.Error().Err(err).Str("sink", q.name).Int("failures", q.failures).Msg("sink write failed")
			continue
		}
		q.written.Add(1)
		q.failures = 0
	}
}

func (q *sinkQueue) backoff(ctx context.Context) {
	delay := time.Duration(1<<min(q.failures, 5)) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (q *sinkQueue) stats() SinkStats {
	return SinkStats{
		Written: q.written.Load(),
		Failed:  q.failed.Load(),
		Dropped: q.dropped.Load(),
	}
}
