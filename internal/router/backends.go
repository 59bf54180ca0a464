package router

import (
	"context"

	"github.com/basket/go-conductor/internal/config"
	"log/slog"
	"time"
)

// FuncBackend adapts a function into a Backend. Used for in-process
// generation stubs and in tests.
type FuncBackend struct {
	BackendName string
	Fn          func(ctx context.Context, prompt string) (string, error)
}

func (f FuncBackend) Name() string { return f.BackendName }

func (f FuncBackend) Generate(ctx context.Context, prompt string) (string, error) {
	return f.Fn(ctx, prompt)
}

// BuildChains constructs one fallback chain per configured category. The
// factory resolves backend names to implementations; unknown names are
// skipped with a warning so a config typo degrades one chain instead of
// failing startup.
func BuildChains(rc config.RouterConfig, factory func(name string) Backend, kv KV, logger *slog.Logger) map[string]*Chain {
	cooldown := time.Duration(rc.BreakerCooldownSeconds) * time.Second
	chains := make(map[string]*Chain, len(rc.Routes))
	for _, route := range rc.Routes {
		var backends []Backend
		for _, name := range route.Backends {
			b := factory(name)
			if b == nil {
				logger.Warn("unknown backend in route", "category", route.Category, "backend", name)
				continue
			}
			backends = append(backends, b)
		}
		chain := NewChain(route.Category, backends, rc.BreakerThreshold, cooldown, logger)
		if kv != nil {
			chain.SetKV(kv)
			chain.LoadBreakerState(context.Background())
		}
		chains[route.Category] = chain
	}
	return chains
}
