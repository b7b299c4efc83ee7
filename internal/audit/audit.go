// Package audit implements the kernel's asynchronous audit pipeline: a
// bounded queue served by a single worker goroutine so records for a
// given trace id are emitted in order, drop-counting on overflow, and
// dual-emission onto the event bus for UI subscribers.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/logging"
)

const (
	defaultQueueCapacity = 1024
	dropLogInterval      = 100
	maxArgPreviewLen     = 256
)

// Outcome is the recorded result of a governed invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
	OutcomeDenied  Outcome = "DENIED"
	OutcomeHandled Outcome = "HANDLED_FAILURE"
)

// Record is one write-once audit entry.
type Record struct {
	TraceID    string
	Caller     string
	Action     string
	Resource   string
	CostNanos  int64
	Outcome    Outcome
	ArgPreview string
	Timestamp  time.Time
}

// AuditLogEvent is the event type the pipeline dual-emits on the bus.
const AuditLogEvent = "audit.log"

// Pipeline is the bounded async audit queue. It must be started with Start
// before any Record call and stopped with Stop on shutdown.
type Pipeline struct {
	queue   chan Record
	bus     *events.Bus
	log     *logging.Logger
	dropped int64
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

func NewPipeline(bus *events.Bus, log *logging.Logger, capacity int) *Pipeline {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if log == nil {
		log = logging.Default()
	}
	return &Pipeline{
		queue: make(chan Record, capacity),
		bus:   bus,
		log:   log,
		done:  make(chan struct{}),
	}
}

// Start launches the single worker goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop drains in-flight work and stops the worker. Safe to call once.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case rec := <-p.queue:
			p.emit(rec)
		case <-p.done:
			for {
				select {
				case rec := <-p.queue:
					p.emit(rec)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) emit(rec Record) {
	ctx := logging.WithTraceID(context.Background(), rec.TraceID)

	defer func() {
		// Emission failures must never affect business flow; they have
		// already left that flow by the time we are here, but a panicking
		// event handler downstream must not crash the audit worker either.
		if r := recover(); r != nil {
			p.log.WithContext(ctx).WithField("panic", r).Error("audit emission panicked, swallowed")
		}
	}()

	if err := p.bus.Publish(ctx, events.Event{
		Type:       AuditLogEvent,
		SourceUnit: rec.Caller,
		Payload:    rec,
	}); err != nil {
		p.log.WithContext(ctx).WithError(err).Warn("audit dual-emission failed")
	}
}

// AsyncRecord enqueues rec without blocking. On queue full the record is
// dropped and counted; every 100th drop is logged.
func (p *Pipeline) AsyncRecord(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case p.queue <- rec:
	default:
		n := atomic.AddInt64(&p.dropped, 1)
		if n%dropLogInterval == 0 {
			p.log.LogAuditDrop(context.Background(), n)
		}
	}
}

func (p *Pipeline) DroppedCount() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// TruncateArgs renders args into a bounded, secret-redacted preview string
// suitable for an audit record, the way the seed scenario's "truncated SQL
// string" implies: long argument payloads are capped rather than logged
// verbatim, and anything shaped like a credential is blanked out first.
func TruncateArgs(args []interface{}) string {
	s := redact(fmt.Sprint(args...))
	if len(s) <= maxArgPreviewLen {
		return s
	}
	return s[:maxArgPreviewLen] + "...(truncated)"
}
