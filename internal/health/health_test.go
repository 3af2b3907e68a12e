package health

import (
	"context"
	"testing"
)

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("queue", func(ctx context.Context) Status {
		return Status{Name: "queue", Healthy: true}
	})
	r.Register("registry", func(ctx context.Context) Status {
		return Status{Name: "registry", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestCheckAll_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("queue", func(ctx context.Context) Status {
		return Status{Name: "queue", Healthy: true}
	})
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy aggregate")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("detail not propagated: %+v", statuses[1])
	}
}

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Fatal("empty registry should be healthy")
	}
}
