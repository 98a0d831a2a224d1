package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/nyigoro/pneuma/engine/affinity"
	"github.com/nyigoro/pneuma/engine/procpool"
	"github.com/nyigoro/pneuma/engine/spawnrace"
	"github.com/nyigoro/pneuma/ratelimit"
)

// AcquireFunc produces a ready-to-navigate Engine. The two lookup-order
// arms from spec §4.6 are each one of these: attaching to a pre-existing
// secondary, or launching a brand-new local browser process. Engine
// itself never constructs either directly (doing so for the spawn arm
// would import adapters/rodengine, which imports engine back); the
// process wiring these up at startup supplies both as closures.
type AcquireFunc func(ctx context.Context) (Engine, error)

// Factory is the default EngineFactory: race an attach attempt against a
// spawn attempt and adopt whichever succeeds first (spec §4.6). The spawn
// arm draws from a warm pool when possible to shave process-launch
// latency off the escalation budget, falling back to a rate-limited
// direct spawn when the pool has nothing ready.
type Factory struct {
	attach AcquireFunc
	pool   *procpool.Pool[Engine]
	spawn  AcquireFunc
	limit  *ratelimit.Limiter
	memory *affinity.Memory
}

// NewFactory wires a Factory. attach may be nil, meaning no secondary
// endpoint is configured and the attach arm always fails immediately
// (equivalent to spec §4.6's "env var unset" case). spawn must not be
// nil; it also backs the warm pool's replenishment factory.
func NewFactory(ctx context.Context, attach, spawn AcquireFunc, poolCfg procpool.Config, limit *ratelimit.Limiter, memory *affinity.Memory) (*Factory, error) {
	if spawn == nil {
		return nil, errors.New("engine: NewFactory requires a non-nil spawn function")
	}
	pool := procpool.New[Engine](ctx, poolCfg, procpool.Factory[Engine](spawn))
	return &Factory{attach: attach, pool: pool, spawn: spawn, limit: limit, memory: memory}, nil
}

// CreateForEscalation implements EngineFactory.
func (f *Factory) CreateForEscalation(ctx context.Context, target string) (Engine, error) {
	strategies := []spawnrace.Named[Engine]{
		{Label: "attach", Strategy: f.attachStrategy()},
		{Label: "spawn", Strategy: f.spawnStrategy()},
	}

	eng, label, err := spawnrace.Race(ctx, strategies)
	if err != nil {
		return nil, fmt.Errorf("engine: create for escalation: %w", err)
	}
	if f.memory != nil {
		f.memory.Set(originOf(target), label)
	}
	return eng, nil
}

func (f *Factory) attachStrategy() spawnrace.Strategy[Engine] {
	return func(ctx context.Context) (Engine, error) {
		if f.attach == nil {
			return nil, errNoSecondaryConfigured
		}
		return f.attach(ctx)
	}
}

// spawnStrategy prefers a warm handle from the pool; if none is ready
// within the pool's own wait semantics, it falls through to a direct,
// rate-limited spawn. Either way the returned Engine's lifetime is the
// caller's to manage from here on; it is not returned to the pool.
func (f *Factory) spawnStrategy() spawnrace.Strategy[Engine] {
	return func(ctx context.Context) (Engine, error) {
		if h, ok := f.pool.Get(ctx); ok {
			return h.Value, nil
		}
		if err := f.limit.Wait(ctx); err != nil {
			return nil, fmt.Errorf("engine: spawn rate limited: %w", err)
		}
		return f.spawn(ctx)
	}
}

// Stop releases the warm pool's resources. Call during process shutdown.
func (f *Factory) Stop(ctx context.Context) {
	f.pool.Stop(ctx)
}

var errNoSecondaryConfigured = errors.New("engine: no secondary endpoint configured")

func originOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return target
	}
	return u.Scheme + "://" + u.Host
}
