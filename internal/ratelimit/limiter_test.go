package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAdmitBelowLimit(t *testing.T) {
	limiter := New(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		decision := limiter.AdmitAt("client", now.Add(time.Duration(i)*time.Second))
		if !decision.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
}

func TestDenyExcessWithRetryAfter(t *testing.T) {
	limiter := New(100, time.Hour)
	now := time.Now()

	for i := 0; i < 100; i++ {
		if decision := limiter.AdmitAt("client", now); !decision.Allowed {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}

	decision := limiter.AdmitAt("client", now.Add(time.Second))
	if decision.Allowed {
		t.Fatal("101st request within the window should be denied")
	}
	if decision.RetryAfter < 59*time.Minute || decision.RetryAfter > time.Hour {
		t.Errorf("retry after = %s, want about an hour", decision.RetryAfter)
	}
}

func TestDenialHasNoSideEffects(t *testing.T) {
	limiter := New(1, time.Minute)
	now := time.Now()

	limiter.AdmitAt("client", now)
	for i := 0; i < 5; i++ {
		limiter.AdmitAt("client", now.Add(time.Second))
	}

	// The single retained timestamp ages out after one window exactly;
	// denials must not have extended it.
	decision := limiter.AdmitAt("client", now.Add(time.Minute+time.Second))
	if !decision.Allowed {
		t.Fatal("request after window expiry should be admitted")
	}
}

func TestWindowSlides(t *testing.T) {
	limiter := New(2, time.Minute)
	base := time.Now()

	if !limiter.AdmitAt("client", base).Allowed {
		t.Fatal("first request should pass")
	}
	if !limiter.AdmitAt("client", base.Add(30*time.Second)).Allowed {
		t.Fatal("second request should pass")
	}
	if limiter.AdmitAt("client", base.Add(45*time.Second)).Allowed {
		t.Fatal("third request inside window should be denied")
	}
	if !limiter.AdmitAt("client", base.Add(61*time.Second)).Allowed {
		t.Fatal("request after first timestamp expired should pass")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	limiter := New(1, time.Minute)
	now := time.Now()

	if !limiter.AdmitAt("a", now).Allowed {
		t.Fatal("client a should be admitted")
	}
	if !limiter.AdmitAt("b", now).Allowed {
		t.Fatal("client b should be admitted")
	}
	if limiter.AdmitAt("a", now).Allowed {
		t.Fatal("client a second request should be denied")
	}
}

func TestEvictIdleDropsSilentClients(t *testing.T) {
	limiter := New(5, time.Minute)
	now := time.Now()

	limiter.AdmitAt("quiet", now)
	limiter.AdmitAt("active", now)
	limiter.AdmitAt("active", now.Add(50*time.Second))

	evicted := limiter.EvictIdle(now.Add(70 * time.Second))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if limiter.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", limiter.ClientCount())
	}
}

func TestConcurrentAdmission(t *testing.T) {
	limiter := New(1000, time.Minute)
	var wg sync.WaitGroup
	admitted := make([]int, 8)

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if limiter.Admit("shared").Allowed {
					admitted[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range admitted {
		total += n
	}
	if total != 1000 {
		t.Errorf("admitted %d requests, want exactly 1000", total)
	}
}
