package rpcpool

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/automaton/config"
)

// Health is an endpoint's observed availability, degraded gradually
// instead of flipping binary so a single blip doesn't take a healthy
// endpoint fully out of rotation (spec.md §4.8).
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// endpoint tracks one configured RPC/WS pair plus its rolling health
// and latency statistics.
type endpoint struct {
	cfg   config.EndpointConfig
	httpURL *url.URL
	wsURL   string

	mu                sync.Mutex
	health            Health
	consecutiveOK     int
	consecutiveFail   int
	emaLatency    time.Duration
	currentWeight int

	wsMu sync.Mutex
	ws   *subscriber
}

const emaAlpha = 0.2

func newEndpoint(cfg config.EndpointConfig) (*endpoint, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	ws := cfg.WsURL
	if ws == "" {
		ws = deriveWsURL(cfg.URL)
	}
	return &endpoint{cfg: cfg, httpURL: u, wsURL: ws, health: Healthy}, nil
}

// deriveWsURL turns http(s):// into ws(s):// per spec.md §4.8.
func deriveWsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

func (e *endpoint) canFetch() bool {
	return e.cfg.Role != config.RoleSubmission
}

func (e *endpoint) canSubmit() bool {
	return e.cfg.Role != config.RoleDatasource
}

func (e *endpoint) available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health == Healthy || e.health == Degraded
}

// recordSuccess applies the recovery half of the state machine in
// spec.md §4.8: 3 consecutive successes promote Unhealthy->Degraded,
// 5 more promote Degraded->Healthy.
func (e *endpoint) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFail = 0
	e.consecutiveOK++
	if e.emaLatency == 0 {
		e.emaLatency = latency
	} else {
		e.emaLatency = time.Duration(float64(e.emaLatency)*(1-emaAlpha) + float64(latency)*emaAlpha)
	}

	switch e.health {
	case Unhealthy:
		if e.consecutiveOK >= 3 {
			e.health = Degraded
			e.consecutiveOK = 0
		}
	case Degraded:
		if e.consecutiveOK >= 5 {
			e.health = Healthy
			e.consecutiveOK = 0
		}
	}
}

// recordFailure applies the decay half: 3 consecutive failures demote
// Healthy->Degraded, 5 more demote Degraded->Unhealthy.
func (e *endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveOK = 0
	e.consecutiveFail++

	switch e.health {
	case Healthy:
		if e.consecutiveFail >= 3 {
			e.health = Degraded
			e.consecutiveFail = 0
		}
	case Degraded:
		if e.consecutiveFail >= 5 {
			e.health = Unhealthy
			e.consecutiveFail = 0
		}
	}
}

func (e *endpoint) snapshot() (Health, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, e.emaLatency
}
