// Package procpool maintains a small warm pool of pre-spawned local engine
// processes so that Handoff's Construct step (spec §4.4 step 2) does not
// pay full process-spawn latency inside the 10-second escalation budget.
//
// Adapted from the teacher's engine.AdaptivePool, which pooled browser
// tabs; here the pooled resource is a whole secondary engine ready to
// receive a bootstrap navigate. The pool is generic over the resource type
// so that this package never needs to import the engine package (which
// itself wires a Pool into its default EngineFactory), avoiding an import
// cycle.
package procpool

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Resource is the minimal capability procpool needs from a pooled value:
// the ability to release it.
type Resource interface {
	Close(ctx context.Context) error
}

// Handle wraps a pooled resource with health-tracking metadata.
type Handle[T Resource] struct {
	ID       int64
	Value    T
	errScore float64
	useCount int
	created  time.Time
	mu       sync.Mutex
}

func newHandle[T Resource](id int64, v T) *Handle[T] {
	return &Handle[T]{ID: id, Value: v, created: time.Now()}
}

// RecordSuccess decreases the error score (min 0).
func (h *Handle[T]) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	h.errScore = math.Max(0, h.errScore-0.5)
}

// RecordFailure increases the error score.
func (h *Handle[T]) RecordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.useCount++
	h.errScore += 1.0
}

// ShouldRetire reports whether the handle should be destroyed rather than
// returned to the pool. See the package-level rule list in pool_health.go.
func (h *Handle[T]) ShouldRetire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.errScore >= 3.0 {
		return true
	}
	if h.useCount >= 50 {
		return true
	}
	if time.Since(h.created) >= 50*time.Minute {
		return true
	}
	return false
}

// Config holds configuration for the warm pool.
type Config struct {
	MinWarm      int
	HardMax      int
	MemThreshold float64 // 0.0-1.0, heap-fraction above which the pool shrinks
	ScaleStep    float64 // 0.0-1.0, fraction of pool size to grow/shrink per tick
}

// Factory constructs a fresh resource for the warm pool.
type Factory[T Resource] func(ctx context.Context) (T, error)

// Pool manages a set of warm resource handles with automatic scaling based
// on memory pressure and utilization. Safe for concurrent use.
type Pool[T Resource] struct {
	cfg     Config
	factory Factory[T]

	idle    chan *Handle[T]
	mu      sync.Mutex
	all     map[int64]*Handle[T]
	nextID  atomic.Int64
	active  atomic.Int32
	stopped chan struct{}
}

// New creates and starts a warm pool, pre-spawning MinWarm handles.
// Pre-spawn failures are logged and skipped rather than failing New: an
// empty pool just means the next Get falls back to a direct spawn.
func New[T Resource](ctx context.Context, cfg Config, factory Factory[T]) *Pool[T] {
	if cfg.MinWarm < 0 {
		cfg.MinWarm = 0
	}
	if cfg.HardMax < cfg.MinWarm {
		cfg.HardMax = cfg.MinWarm
	}
	if cfg.HardMax < 1 {
		cfg.HardMax = 1
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = 0.9
	}
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = 0.25
	}

	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		idle:    make(chan *Handle[T], cfg.HardMax),
		all:     make(map[int64]*Handle[T]),
		stopped: make(chan struct{}),
	}

	for i := 0; i < cfg.MinWarm; i++ {
		h, err := p.spawnLocked(ctx)
		if err != nil {
			slog.Warn("procpool: failed to pre-spawn warm handle", "error", err)
			continue
		}
		p.idle <- h
	}

	go p.scalingLoop()
	return p
}

// Get takes an idle warm handle if one is ready. Otherwise, if the pool is
// below its hard max, it spawns a new handle synchronously through the
// factory. It returns (nil, false) if the pool is at its hard max with
// nothing idle, or if that spawn fails — the caller (EngineFactory) then
// falls back to a direct spawn, since Construct has only the remainder of
// the 10s handoff budget to work with.
func (p *Pool[T]) Get(ctx context.Context) (*Handle[T], bool) {
	select {
	case h := <-p.idle:
		p.active.Add(1)
		return h, true
	default:
	}

	p.mu.Lock()
	hasRoom := len(p.all) < p.cfg.HardMax
	p.mu.Unlock()
	if hasRoom {
		h, err := p.spawnLocked(ctx)
		if err == nil {
			p.active.Add(1)
			return h, true
		}
		return nil, false
	}
	return nil, false
}

// Put returns a handle to the pool. If it should be retired, it is closed
// and, if the pool is below MinWarm, replaced.
func (p *Pool[T]) Put(ctx context.Context, h *Handle[T], success bool) {
	p.active.Add(-1)

	if success {
		h.RecordSuccess()
	} else {
		h.RecordFailure()
	}

	if h.ShouldRetire() {
		slog.Debug("procpool: retiring handle", "id", h.ID, "errScore", h.errScore, "useCount", h.useCount)
		p.destroy(h)

		p.mu.Lock()
		belowMin := len(p.all) < p.cfg.MinWarm
		p.mu.Unlock()
		if belowMin {
			if newH, err := p.spawnLocked(ctx); err == nil {
				p.idle <- newH
			}
		}
		return
	}

	p.idle <- h
}

// Size returns the total number of live handles.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Stop shuts down the scaling goroutine and closes every handle, live or
// idle. No handle is ever leaked: the destroyer runs exactly once per
// tracked id.
func (p *Pool[T]) Stop(ctx context.Context) {
	close(p.stopped)

drainLoop:
	for {
		select {
		case h := <-p.idle:
			p.destroy(h)
		default:
			break drainLoop
		}
	}

	p.mu.Lock()
	for id, h := range p.all {
		_ = h.Value.Close(ctx)
		delete(p.all, id)
	}
	p.mu.Unlock()
}

func (p *Pool[T]) spawnLocked(ctx context.Context) (*Handle[T], error) {
	v, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	id := p.nextID.Add(1)
	h := newHandle(id, v)
	p.mu.Lock()
	p.all[id] = h
	p.mu.Unlock()
	return h, nil
}

func (p *Pool[T]) destroy(h *Handle[T]) {
	p.mu.Lock()
	delete(p.all, h.ID)
	p.mu.Unlock()
	_ = h.Value.Close(context.Background())
}

func (p *Pool[T]) scalingLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			p.scaleCheck()
		}
	}
}

func (p *Pool[T]) scaleCheck() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var memPressure float64
	if m.HeapSys > 0 {
		memPressure = float64(m.HeapInuse) / float64(m.HeapSys)
	}

	p.mu.Lock()
	total := len(p.all)
	p.mu.Unlock()

	if memPressure > p.cfg.MemThreshold {
		shrink := int(math.Ceil(float64(total) * p.cfg.ScaleStep))
		for i := 0; i < shrink; i++ {
			p.mu.Lock()
			if len(p.all) <= p.cfg.MinWarm {
				p.mu.Unlock()
				break
			}
			p.mu.Unlock()

			select {
			case h := <-p.idle:
				slog.Debug("procpool: shrinking, retiring warm handle", "id", h.ID)
				p.destroy(h)
			default:
				return
			}
		}
		return
	}

	active := int(p.active.Load())
	var activeRate float64
	if total > 0 {
		activeRate = float64(active) / float64(total)
	}
	if activeRate > 0.8 {
		grow := int(math.Ceil(float64(total) * p.cfg.ScaleStep))
		if grow < 1 {
			grow = 1
		}
		for i := 0; i < grow; i++ {
			p.mu.Lock()
			if len(p.all) >= p.cfg.HardMax {
				p.mu.Unlock()
				break
			}
			p.mu.Unlock()

			h, err := p.spawnLocked(context.Background())
			if err != nil {
				slog.Warn("procpool: failed to grow warm pool", "error", err)
				break
			}
			slog.Debug("procpool: grew warm pool", "id", h.ID)
			p.idle <- h
		}
	}
}
