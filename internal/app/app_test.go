package app

import (
	"context"
	"testing"
	"time"

	"github.com/aegiscrawl/aegis/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: 0},
		Store:    config.StoreConfig{Backend: "memory"},
		Storage:  config.StorageConfig{Backend: "memory"},
		Workers:  config.WorkersConfig{Count: 1, MaxAttempts: 2, BackoffInitialMs: 1, BackoffMaxMs: 2},
		Pipeline: config.PipelineConfig{FetchTimeoutSeconds: 5},
		Gate:     config.GateConfig{FailureThreshold: 10, WindowSeconds: 60, CooldownSeconds: 300},
		Throttle: config.ThrottleConfig{MaxRequests: 100, WindowSeconds: 60},
		Queue:    config.QueueConfig{Capacity: 100},
	}
}

func TestNewWiresMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.store == nil || a.jobs == nil || a.queue == nil || a.pool == nil {
		t.Fatal("service graph incomplete")
	}
	if a.intake != nil {
		t.Fatal("intake should be disabled without a subscription")
	}
	if a.browser != nil {
		t.Fatal("browser should be disabled by default")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
