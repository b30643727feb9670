package pthread

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/core/failfast"
	metrics "github.com/fluxorio/pthreads/pkg/observability/prometheus"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// PoolOptions configures a PoolManager.
type PoolOptions struct {
	Size   int
	Strict StrictMode

	// NewPort starts the execution unit for a new Unit.
	NewPort PortFactory

	// Bootstrap builds the Load envelope posted to every new unit.
	Bootstrap func() *Envelope

	Region  *shm.Region
	Logger  core.Logger
	Metrics *metrics.PoolMetrics
}

// PoolStats is a snapshot of the pool.
type PoolStats struct {
	Idle      int `json:"idle"`
	Running   int `json:"running"`
	Loading   int `json:"loading"`
	Created   int `json:"created"`
	Destroyed int `json:"destroyed"`
}

// PoolManager owns the execution units. Every unit is either idle or
// running; a running unit hosts exactly one thread and is indexed by it.
// A PoolManager is not safe for concurrent use: the runtime only touches it
// from the coordinator loop.
type PoolManager struct {
	size      int
	strict    StrictMode
	newPort   PortFactory
	bootstrap func() *Envelope
	region    *shm.Region
	logger    core.Logger
	metrics   *metrics.PoolMetrics

	idle    []*Unit
	running []*Unit
	threads map[shm.Handle]*Unit

	loading   int
	created   int
	destroyed int
	waiters   []func()
}

// NewPoolManager creates an empty pool.
func NewPoolManager(opts PoolOptions) *PoolManager {
	failfast.Invariant(opts.NewPort != nil, "pool needs a port factory")
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	if opts.Strict == "" {
		opts.Strict = StrictOff
	}
	if opts.Bootstrap == nil {
		opts.Bootstrap = func() *Envelope { return &Envelope{Cmd: &Load{Region: opts.Region}} }
	}

	return &PoolManager{
		size:      opts.Size,
		strict:    opts.Strict,
		newPort:   opts.NewPort,
		bootstrap: opts.Bootstrap,
		region:    opts.Region,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		threads:   make(map[shm.Handle]*Unit),
	}
}

// WarmUp creates n units ahead of demand and adds them to the idle set.
// They bootstrap in the background; see WhenLoaded.
func (p *PoolManager) WarmUp(n int) error {
	for i := 0; i < n; i++ {
		u, err := p.createUnit()
		if err != nil {
			return fmt.Errorf("warm up unit %d of %d: %w", i+1, n, err)
		}
		p.idle = append(p.idle, u)
	}
	p.updateGauges()
	return nil
}

func (p *PoolManager) createUnit() (*Unit, error) {
	u := &Unit{id: uuid.NewString()}

	port, err := p.newPort(u)
	if err != nil {
		return nil, fmt.Errorf("start execution unit: %w", err)
	}
	u.port = port

	if err := port.Post(p.bootstrap()); err != nil {
		port.Terminate()
		return nil, fmt.Errorf("post load to unit %s: %w", u.id, err)
	}

	p.created++
	p.loading++
	p.metrics.UnitCreated()
	p.logger.Debugf("created execution unit %s", u.id)
	return u, nil
}

// Acquire returns an idle unit, creating one if the idle set is empty.
// The unit stays idle until Assign. Under StrictFail an empty idle set
// yields core.EAGAIN; the caller decides whether to retry.
func (p *PoolManager) Acquire() (*Unit, error) {
	if len(p.idle) == 0 {
		switch p.strict {
		case StrictFail:
			p.logger.Errorf("thread pool exhausted (pool size %d, strict mode fail): refusing to start another execution unit", p.size)
			return nil, core.EAGAIN
		case StrictWarn:
			p.logger.Warnf("tried to spawn a new thread, but the thread pool is exhausted (pool size %d); "+
				"this may deadlock unless some threads exit. Raise pool_size, or set strict to fail to get an error instead", p.size)
		}

		u, err := p.createUnit()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.EAGAIN, err)
		}
		p.idle = append(p.idle, u)
		p.updateGauges()
	}

	return p.idle[len(p.idle)-1], nil
}

// Assign moves an idle unit to the running set as the host of thread h.
// run is posted right away if the unit is loaded and kept as its pending
// start otherwise. If the unit cannot take the message it is destroyed.
func (p *PoolManager) Assign(u *Unit, h shm.Handle, run *Envelope) error {
	failfast.Invariant(!u.destroyed && u.thread == shm.NoThread && containsUnit(p.idle, u),
		"assign: unit %s is not idle", u.id)
	_, hosted := p.threads[h]
	failfast.Invariant(!hosted, "assign: thread %v already has a unit", h)

	p.idle = removeUnit(p.idle, u)
	p.running = append(p.running, u)
	p.threads[h] = u
	u.thread = h
	p.updateGauges()

	if !u.loaded {
		u.pendingStart = run
		return nil
	}

	if err := u.port.Post(run); err != nil {
		p.Destroy(u)
		return fmt.Errorf("post run to unit %s: %w", u.id, err)
	}
	return nil
}

// Loaded records the bootstrap-complete transition of u and fires its
// pending start.
func (p *PoolManager) Loaded(u *Unit) {
	if u.destroyed {
		return
	}
	if u.loaded {
		p.logger.Warnf("unit %s reported loaded twice", u.id)
		return
	}

	u.loaded = true
	p.loading--

	if run := u.pendingStart; run != nil {
		u.pendingStart = nil
		held := u.held
		u.held = nil

		if err := u.port.Post(run); err != nil {
			p.logger.Errorf("start thread %v on unit %s: %v", u.thread, u.id, err)
			p.Destroy(u)
		} else {
			for _, env := range held {
				p.post(u, env)
			}
		}
	}

	if p.loading == 0 {
		waiters := p.waiters
		p.waiters = nil
		for _, fn := range waiters {
			fn()
		}
	}
}

// WhenLoaded calls fn once no unit is still bootstrapping.
func (p *PoolManager) WhenLoaded(fn func()) {
	if p.loading == 0 {
		fn()
		return
	}
	p.waiters = append(p.waiters, fn)
}

// Post delivers env to u. Envelopes for a unit whose thread has not
// started yet are held until its run request went out.
func (p *PoolManager) Post(u *Unit, env *Envelope) error {
	if u.destroyed {
		return fmt.Errorf("unit %s: %w", u.id, ErrUnknownTarget)
	}
	if u.pendingStart != nil {
		u.held = append(u.held, env)
		return nil
	}
	return p.post(u, env)
}

func (p *PoolManager) post(u *Unit, env *Envelope) error {
	if err := u.port.Post(env); err != nil {
		p.logger.Errorf("post %s to unit %s: %v", commandName(env.Cmd), u.id, err)
		return err
	}
	return nil
}

// Release detaches the finished thread from u, frees its control block and
// returns u to the idle set. The unit keeps running and stays loaded.
func (p *PoolManager) Release(u *Unit) {
	if u.destroyed {
		return
	}
	h := u.thread
	failfast.Invariant(h != shm.NoThread, "release: unit %s hosts no thread", u.id)

	delete(p.threads, h)
	u.thread = shm.NoThread
	u.pendingStart = nil
	u.held = nil
	p.running = removeUnit(p.running, u)
	p.idle = append(p.idle, u)
	p.updateGauges()

	if p.region != nil {
		p.region.Free(h)
	}
}

// Destroy terminates u and removes it from every collection. It is never
// returned to the pool.
func (p *PoolManager) Destroy(u *Unit) {
	if u.destroyed {
		return
	}
	u.destroyed = true

	if h := u.thread; h != shm.NoThread {
		delete(p.threads, h)
		u.thread = shm.NoThread
		if p.region != nil {
			p.region.Free(h)
		}
	}
	u.pendingStart = nil
	u.held = nil
	p.running = removeUnit(p.running, u)
	p.idle = removeUnit(p.idle, u)

	u.port.Terminate()
	p.destroyed++
	p.metrics.UnitDestroyed()
	p.updateGauges()

	if !u.loaded {
		p.loading--
		if p.loading == 0 {
			waiters := p.waiters
			p.waiters = nil
			for _, fn := range waiters {
				fn()
			}
		}
	}
	p.logger.Debugf("destroyed execution unit %s", u.id)
}

// TerminateAll releases every running unit, then terminates every idle
// unit. Calling it again is a no-op.
func (p *PoolManager) TerminateAll() {
	for len(p.running) > 0 {
		p.Release(p.running[0])
	}
	failfast.Invariant(len(p.running) == 0 && len(p.threads) == 0,
		"terminate: %d running units, %d indexed threads left", len(p.running), len(p.threads))

	for _, u := range p.idle {
		u.destroyed = true
		u.port.Terminate()
	}
	p.idle = nil
	p.loading = 0
	p.waiters = nil
	p.updateGauges()
}

// Lookup returns the unit hosting thread h.
func (p *PoolManager) Lookup(h shm.Handle) (*Unit, bool) {
	u, ok := p.threads[h]
	return u, ok
}

// Idle returns the idle units, most recently released last.
func (p *PoolManager) Idle() []*Unit {
	return append([]*Unit(nil), p.idle...)
}

// Running returns the units hosting a thread.
func (p *PoolManager) Running() []*Unit {
	return append([]*Unit(nil), p.running...)
}

// Stats returns a snapshot of the pool.
func (p *PoolManager) Stats() PoolStats {
	return PoolStats{
		Idle:      len(p.idle),
		Running:   len(p.running),
		Loading:   p.loading,
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

func (p *PoolManager) updateGauges() {
	p.metrics.UpdatePool(len(p.idle), len(p.running))
}
