// Package doctor runs startup-environment diagnostics for the conductor
// daemon: config, home permissions, database health and gateway reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCatalog,
		checkPermissions,
		checkDatabase,
		checkGatewayPort,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (written on first daemon start)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkCatalog verifies the capability forest covers every configured backend
// route and knowledge domain.
func checkCatalog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Catalog", Status: "SKIP", Message: "Config missing"}
	}
	tags := make(map[string]struct{}, len(cfg.Capabilities))
	for _, cap := range cfg.Capabilities {
		tags[cap.Tag] = struct{}{}
	}
	var missing []string
	for _, domain := range cfg.Knowledge.Domains {
		if _, ok := tags[domain]; !ok {
			missing = append(missing, domain)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Catalog",
			Status:  "WARN",
			Message: fmt.Sprintf("%d knowledge domains have no capability tag", len(missing)),
			Detail:  fmt.Sprintf("%v", missing),
		}
	}
	return CheckResult{Name: "Catalog", Status: "PASS", Message: fmt.Sprintf("%d capability tags, %d routes", len(cfg.Capabilities), len(cfg.Router.Routes))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "conductor.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListActiveProjects(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

// checkGatewayPort distinguishes a free port (daemon down) from one held by a
// running daemon. Both are fine; a bind failure on a free-looking port is not.
func checkGatewayPort(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.BindAddr)
	if err == nil {
		conn.Close()
		return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Daemon reachable on %s", cfg.BindAddr)}
	}
	ln, lerr := net.Listen("tcp", cfg.BindAddr)
	if lerr != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s is neither reachable nor bindable", cfg.BindAddr),
			Detail:  lerr.Error(),
		}
	}
	ln.Close()
	return CheckResult{Name: "Gateway", Status: "WARN", Message: fmt.Sprintf("No daemon on %s (port is free)", cfg.BindAddr)}
}
