package loadbalancer

import (
	"errors"
	"testing"
	"time"
)

func twoBackends() []Backend {
	return []Backend{
		{URL: "http://a:8080", Weight: 1},
		{URL: "http://b:8080", Weight: 1},
	}
}

func TestAcquire_RoundRobinCycles(t *testing.T) {
	p := New("orchestrator", RoundRobin, twoBackends())

	var seen []string
	for i := 0; i < 4; i++ {
		b, release, err := p.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		release(0)
		seen = append(seen, b.URL)
	}
	if seen[0] == seen[1] || seen[0] != seen[2] || seen[1] != seen[3] {
		t.Fatalf("not alternating: %v", seen)
	}
}

func TestAcquire_NoHealthyBackends(t *testing.T) {
	p := New("orchestrator", RoundRobin, twoBackends())
	p.MarkHealth("http://a:8080", false)
	p.MarkHealth("http://b:8080", false)

	_, _, err := p.Acquire()
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("expected ErrNoBackendAvailable, got %v", err)
	}
}

func TestAcquire_SingleHealthyAlwaysChosen(t *testing.T) {
	for _, strategy := range []Strategy{RoundRobin, WeightedRoundRobin, LeastConnections, Random} {
		t.Run(string(strategy), func(t *testing.T) {
			p := New("orchestrator", strategy, twoBackends())
			p.MarkHealth("http://a:8080", false)

			for i := 0; i < 5; i++ {
				b, release, err := p.Acquire()
				if err != nil {
					t.Fatal(err)
				}
				release(0)
				if b.URL != "http://b:8080" {
					t.Fatalf("selected unhealthy backend %s", b.URL)
				}
			}
		})
	}
}

func TestAcquire_LeastConnections(t *testing.T) {
	p := New("orchestrator", LeastConnections, twoBackends())

	// Hold a connection on the first backend; the next pick must avoid it.
	first, releaseFirst, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	second, releaseSecond, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if second.URL == first.URL {
		t.Fatalf("least-connections picked the busy backend %s", second.URL)
	}
	releaseFirst(0)
	releaseSecond(0)
}

func TestAcquire_WeightedDraw(t *testing.T) {
	p := New("orchestrator", WeightedRoundRobin, []Backend{
		{URL: "http://light:8080", Weight: 1},
		{URL: "http://heavy:8080", Weight: 9},
	})
	// Deterministic draw of 0.5 lands at cumulative weight 5, inside the
	// heavy backend's band.
	p.randFloat = func() float64 { return 0.5 }

	b, release, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	release(0)
	if b.URL != "http://heavy:8080" {
		t.Fatalf("expected heavy backend, got %s", b.URL)
	}

	// A draw near zero lands in the light backend's band.
	p.randFloat = func() float64 { return 0.01 }
	b, release, err = p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	release(0)
	if b.URL != "http://light:8080" {
		t.Fatalf("expected light backend, got %s", b.URL)
	}
}

func TestRelease_IdempotentAndRecordsLatency(t *testing.T) {
	p := New("orchestrator", RoundRobin, twoBackends()[:1])

	b, release, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	release(40 * time.Millisecond)
	release(999 * time.Millisecond) // second call is a no-op

	snap := p.Snapshot()
	if snap[0].InFlight != 0 {
		t.Fatalf("in-flight = %d after release", snap[0].InFlight)
	}
	if snap[0].LastLatency != 40*time.Millisecond {
		t.Fatalf("latency = %v", snap[0].LastLatency)
	}
	_ = b
}

func TestSetBackends_PreservesLiveState(t *testing.T) {
	p := New("orchestrator", RoundRobin, twoBackends())
	p.MarkHealth("http://a:8080", false)

	_, release, err := p.Acquire() // lands on b, the only healthy one
	if err != nil {
		t.Fatal(err)
	}

	p.SetBackends([]Backend{
		{URL: "http://a:8080", Weight: 2},
		{URL: "http://b:8080", Weight: 2},
		{URL: "http://c:8080", Weight: 1},
	})

	var a, b, c Backend
	for _, s := range p.Snapshot() {
		switch s.URL {
		case "http://a:8080":
			a = s
		case "http://b:8080":
			b = s
		case "http://c:8080":
			c = s
		}
	}
	if a.Healthy {
		t.Fatal("health flag lost on reload")
	}
	if b.InFlight != 1 {
		t.Fatalf("in-flight lost on reload: %d", b.InFlight)
	}
	if !c.Healthy {
		t.Fatal("new backend must start healthy")
	}
	release(0)
}

func TestSetBackends_DefaultWeight(t *testing.T) {
	p := New("x", WeightedRoundRobin, []Backend{{URL: "http://a:8080", Weight: 0}})
	if p.Snapshot()[0].Weight != 1 {
		t.Fatal("zero weight must default to 1")
	}
}
