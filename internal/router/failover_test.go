package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/shared"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: map[string]string{}} }

func (k *memKV) SetKV(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *memKV) GetKV(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func failing(name string) FuncBackend {
	return FuncBackend{BackendName: name, Fn: func(context.Context, string) (string, error) {
		return "", errors.New(name + " down")
	}}
}

func succeeding(name string) FuncBackend {
	return FuncBackend{BackendName: name, Fn: func(context.Context, string) (string, error) {
		return "ok from " + name, nil
	}}
}

func TestChain_FallsThroughToStandby(t *testing.T) {
	c := NewChain("code_generation", []Backend{failing("primary"), succeeding("standby")}, 5, time.Minute, discard())

	out, err := c.Generate(context.Background(), "write code")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "ok from standby" {
		t.Errorf("out = %q", out)
	}
}

func TestChain_AllFailuresReturnBackendExhausted(t *testing.T) {
	c := NewChain("code_generation", []Backend{failing("primary"), failing("standby")}, 5, time.Minute, discard())

	_, err := c.Generate(context.Background(), "x")
	if !errors.Is(err, shared.ErrBackendExhausted) {
		t.Fatalf("err = %v, want ErrBackendExhausted", err)
	}
}

func TestChain_OnFallbackCountsEveryHop(t *testing.T) {
	var mu sync.Mutex
	hops := []string{}
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		hops = append(hops, name)
	}

	c := NewChain("code_generation", []Backend{failing("primary"), succeeding("standby")}, 5, time.Minute, discard())
	c.OnFallback(record)
	if _, err := c.Generate(context.Background(), "x"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(hops) != 1 || hops[0] != "primary" {
		t.Errorf("fallback hops = %v, want [primary]", hops)
	}

	// An exhausted chain reports one hop per failing backend.
	hops = hops[:0]
	c2 := NewChain("code_generation", []Backend{failing("primary"), failing("standby")}, 5, time.Minute, discard())
	c2.OnFallback(record)
	_, _ = c2.Generate(context.Background(), "x")
	if len(hops) != 2 {
		t.Errorf("fallback hops = %v, want one per failing backend", hops)
	}
}

func TestChain_BreakerTripsAtThreshold(t *testing.T) {
	calls := 0
	flaky := FuncBackend{BackendName: "primary", Fn: func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("boom")
	}}
	c := NewChain("code_generation", []Backend{flaky}, 3, time.Hour, discard())

	for i := 0; i < 5; i++ {
		_, _ = c.Generate(context.Background(), "x")
	}
	// After the third failure the breaker trips; further calls skip the
	// backend entirely.
	if calls != 3 {
		t.Errorf("backend calls = %d, want 3", calls)
	}
	_, err := c.Generate(context.Background(), "x")
	if !errors.Is(err, shared.ErrBackendExhausted) {
		t.Errorf("tripped chain err = %v, want ErrBackendExhausted", err)
	}
}

func TestChain_BreakerResetsAfterCooldown(t *testing.T) {
	fail := true
	flaky := FuncBackend{BackendName: "primary", Fn: func(context.Context, string) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "recovered", nil
	}}
	recovered := make(chan string, 1)
	c := NewChain("code_generation", []Backend{flaky}, 1, 10*time.Millisecond, discard())
	c.OnRecover(func(name string) { recovered <- name })

	_, _ = c.Generate(context.Background(), "x")
	fail = false
	time.Sleep(20 * time.Millisecond)

	out, err := c.Generate(context.Background(), "x")
	if err != nil || out != "recovered" {
		t.Fatalf("after cooldown: %q, %v", out, err)
	}
	select {
	case name := <-recovered:
		if name != "primary" {
			t.Errorf("recovered backend = %q", name)
		}
	case <-time.After(time.Second):
		t.Error("recovery callback never fired")
	}
}

func TestChain_BreakerStateSurvivesRestart(t *testing.T) {
	kv := newMemKV()

	c1 := NewChain("code_generation", []Backend{failing("primary")}, 1, time.Hour, discard())
	c1.SetKV(kv)
	_, _ = c1.Generate(context.Background(), "x")

	calls := 0
	counting := FuncBackend{BackendName: "primary", Fn: func(context.Context, string) (string, error) {
		calls++
		return "ok", nil
	}}
	c2 := NewChain("code_generation", []Backend{counting}, 1, time.Hour, discard())
	c2.SetKV(kv)
	c2.LoadBreakerState(context.Background())

	_, err := c2.Generate(context.Background(), "x")
	if !errors.Is(err, shared.ErrBackendExhausted) {
		t.Fatalf("err = %v, want exhausted from restored tripped breaker", err)
	}
	if calls != 0 {
		t.Errorf("backend called %d times despite restored trip", calls)
	}
}

func TestChain_LastKnownGoodPromoted(t *testing.T) {
	kv := newMemKV()
	order := []string{}
	mk := func(name string, fail bool) FuncBackend {
		return FuncBackend{BackendName: name, Fn: func(context.Context, string) (string, error) {
			order = append(order, name)
			if fail {
				return "", errors.New("down")
			}
			return name, nil
		}}
	}

	c := NewChain("code_generation", []Backend{mk("primary", true), mk("standby", false)}, 5, time.Minute, discard())
	c.SetKV(kv)

	if _, err := c.Generate(context.Background(), "x"); err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	order = order[:0]
	if _, err := c.Generate(context.Background(), "x"); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if len(order) == 0 || order[0] != "standby" {
		t.Errorf("try order = %v, want last-known-good standby first", order)
	}
}

func TestBuildChains(t *testing.T) {
	rc := config.RouterConfig{
		Routes: []config.BackendRouteConfig{
			{Category: "code_generation", Backends: []string{"primary", "ghost"}},
		},
		BreakerThreshold:       5,
		BreakerCooldownSeconds: 300,
	}
	factory := func(name string) Backend {
		if name == "primary" {
			return succeeding("primary")
		}
		return nil
	}

	chains := BuildChains(rc, factory, newMemKV(), discard())
	chain, ok := chains["code_generation"]
	if !ok {
		t.Fatal("missing code_generation chain")
	}
	out, err := chain.Generate(context.Background(), "x")
	if err != nil || out != "ok from primary" {
		t.Errorf("Generate = %q, %v", out, err)
	}
}
