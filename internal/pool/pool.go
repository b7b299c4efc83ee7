// Package pool implements the per-unit-id instance pool and its lifecycle:
// blue-green replacement, bounded dying queue back-pressure, drain &
// destroy, and deferred leak-check diagnostics. The drain scheduler runs
// on github.com/robfig/cron/v3.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/isolation"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/spi"
	"github.com/lingframe/lingcore/internal/unit"
)

const (
	EventInstalled   = "unit.installed"
	EventUninstalling = "unit.uninstalling"
	EventUninstalled = "unit.uninstalled"
	EventStopping    = "unit.stopping"
	EventStopped     = "unit.stopped"
)

// Config controls pool-wide timing and back-pressure.
type Config struct {
	MaxDying           int
	DyingCheckInterval time.Duration
	ForceCleanupDelay  time.Duration
	LeakCheckDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDying:           8,
		DyingCheckInterval: time.Second,
		ForceCleanupDelay:  10 * time.Second,
		LeakCheckDelay:     5 * time.Second,
	}
}

type dyingEntry struct {
	instance  *unit.Instance
	enqueued  time.Time
}

// Pool holds every active plus dying instance for one unit id.
type Pool struct {
	unitID string
	cfg    Config

	mu      sync.Mutex
	active  []*unit.Instance
	def     *unit.Instance // default routing target, nil if none
	dying   []*dyingEntry

	guard spi.ResourceGuard
	bus   *events.Bus
	log   *logging.Logger
}

func New(unitID string, cfg Config, guard spi.ResourceGuard, bus *events.Bus, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.Default()
	}
	return &Pool{unitID: unitID, cfg: cfg, guard: guard, bus: bus, log: log}
}

// Default returns the current default routing target, or nil.
func (p *Pool) Default() *unit.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.def
}

func (p *Pool) Active() []*unit.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*unit.Instance, len(p.active))
	copy(out, p.active)
	return out
}

func (p *Pool) DyingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dying)
}

// AdmitInstall checks the dying-count back-pressure invariant before an
// install proceeds.
func (p *Pool) AdmitInstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.dying) >= p.cfg.MaxDying {
		return errors.ServiceUnavailableErr(p.unitID, "dying-count at max-dying, install refused")
	}
	return nil
}

// InsertAsDefault performs the blue-green swap: the new instance is
// appended to active and installed as the default with a
// single atomic write; any previous default is pushed onto the dying
// queue. Callers must have already driven inst to READY.
func (p *Pool) InsertAsDefault(inst *unit.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active = append(p.active, inst)
	prev := p.def
	p.def = inst

	if prev != nil {
		prev.MarkDying()
		p.removeFromActiveLocked(prev)
		p.dying = append(p.dying, &dyingEntry{instance: prev, enqueued: time.Now()})
	}
}

// InsertCanary appends a non-default labeled instance alongside the
// existing default.
func (p *Pool) InsertCanary(inst *unit.Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = append(p.active, inst)
	if p.def == nil {
		p.def = inst
	}
}

func (p *Pool) removeFromActiveLocked(inst *unit.Instance) {
	for i, a := range p.active {
		if a == inst {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

// BeginUninstall removes the unit entirely from active routing and begins
// draining every instance.
func (p *Pool) BeginUninstall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.active {
		inst.MarkDying()
		p.dying = append(p.dying, &dyingEntry{instance: inst, enqueued: time.Now()})
	}
	p.active = nil
	p.def = nil
}

// DrainTick runs one pass over the dying queue, destroying any instance
// whose refcount has reached zero.
func (p *Pool) DrainTick(ctx context.Context) {
	p.mu.Lock()
	var ready []*dyingEntry
	var remaining []*dyingEntry
	for _, e := range p.dying {
		if e.instance.RefCount() == 0 {
			ready = append(ready, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	p.dying = remaining
	p.mu.Unlock()

	for _, e := range ready {
		p.destroy(ctx, e.instance)
	}
}

func (p *Pool) destroy(ctx context.Context, inst *unit.Instance) {
	_ = p.bus.Publish(ctx, events.Event{Type: EventStopping, SourceUnit: p.unitID, Payload: inst.Def.Version})

	if err := inst.Container.Stop(); err != nil {
		p.log.WithContext(ctx).WithError(err).WithField("unit_id", p.unitID).Warn("container stop failed during destroy")
	}

	if p.guard != nil {
		if err := p.guard.Cleanup(p.unitID, inst.Namespace); err != nil {
			p.log.WithContext(ctx).WithError(err).WithField("unit_id", p.unitID).Warn("resource guard cleanup failed")
		}
	}

	_ = inst.Namespace.Close()
	inst.MarkDestroyed()

	p.scheduleLeakCheck(ctx, inst)

	_ = p.bus.Publish(ctx, events.Event{Type: EventStopped, SourceUnit: p.unitID, Payload: inst.Def.Version})
}

// scheduleLeakCheck is the deferred liveness check: if the namespace has
// not been collected by LeakCheckDelay, log a leak warning naming the
// unit id and version. Collection is reported by the resource guard when
// one is configured, otherwise by a finalizer from isolation.RegisterLeakProbe.
func (p *Pool) scheduleLeakCheck(ctx context.Context, inst *unit.Instance) {
	collected := make(chan struct{}, 1)
	onCollected := func() {
		select {
		case collected <- struct{}{}:
		default:
		}
	}
	if p.guard != nil {
		p.guard.DetectLeak(p.unitID, inst.Namespace, onCollected)
	} else if inst.Namespace != nil {
		isolation.RegisterLeakProbe(inst.Namespace, onCollected)
	}

	unitID, version := p.unitID, inst.Def.Version
	time.AfterFunc(p.cfg.LeakCheckDelay, func() {
		select {
		case <-collected:
			return
		default:
			p.log.LogLeakWarning(ctx, unitID, version)
		}
	})
}

// ShutdownDrain moves every active instance onto the dying queue, drains
// synchronously until dying-count == 0 or force-cleanup-delay elapses, then
// force-destroys whatever remains.
func (p *Pool) ShutdownDrain(ctx context.Context) {
	p.BeginUninstall()
	deadline := time.Now().Add(p.cfg.ForceCleanupDelay)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		p.DrainTick(ctx)
		if p.DyingCount() == 0 {
			return
		}
		<-ticker.C
	}

	p.mu.Lock()
	remaining := p.dying
	p.dying = nil
	p.mu.Unlock()

	for _, e := range remaining {
		p.destroy(ctx, e.instance)
	}
}

// Scheduler runs the fixed-interval drain tick (and could host future
// periodic kernel maintenance jobs) across every registered pool.
type Scheduler struct {
	cron   *cron.Cron
	pools  []*Pool
	mu     sync.Mutex
	entry  cron.EntryID
}

func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds())}
}

func (s *Scheduler) Register(p *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = append(s.pools, p)
}

// Start schedules the drain tick at the given interval, expressed as a
// seconds-granularity cron spec (e.g. "@every 1s").
func (s *Scheduler) Start(interval time.Duration) error {
	spec := fmt.Sprintf("@every %s", interval.String())
	id, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		pools := append([]*Pool(nil), s.pools...)
		s.mu.Unlock()
		ctx := context.Background()
		for _, p := range pools {
			p.DrainTick(ctx)
		}
	})
	if err != nil {
		return err
	}
	s.entry = id
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}
