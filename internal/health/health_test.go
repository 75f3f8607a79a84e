package health

import (
	"context"
	"sync"
	"testing"
)

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry reported unhealthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestCheckAll_AllDependenciesUp(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Up("database") })
	r.Register("gateway", func(context.Context) Status { return Up("gateway") })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("reported unhealthy with every dependency up")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "gateway" {
		t.Errorf("report order %q, %q does not match registration order",
			statuses[0].Name, statuses[1].Name)
	}
}

func TestCheckAll_OneDependencyDown(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Up("database") })
	r.Register("gateway", func(context.Context) Status {
		return Down("gateway", "connection refused")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("reported healthy with a dependency down")
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("detail = %q, want the failure cause", statuses[1].Detail)
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("database", func(context.Context) Status { return Up("database") })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
