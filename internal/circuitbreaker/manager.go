package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceAggregator  ServiceType = "aggregator"
	ServiceCard        ServiceType = "card_api"
	ServiceRefundStore ServiceType = "refund_store"
)

// Manager manages circuit breakers for the external refund sinks. A
// refund-store service type is also defined, but the refund engine routes only
// aggregator and card calls through the manager. Each service has its own
// breaker so a misbehaving provider cannot cascade into the other channel.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	return c
}

// NewManager creates breakers for all known services with the given defaults.
func NewManager(enabled bool, cfg BreakerConfig) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  enabled,
	}
	for _, svc := range []ServiceType{ServiceAggregator, ServiceCard, ServiceRefundStore} {
		m.breakers[svc] = newBreaker(string(svc), cfg)
	}
	return m
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests >= cfg.MinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
	})
}

// Execute runs fn through the breaker for the given service. When the manager
// is disabled, fn runs directly.
func (m *Manager) Execute(svc ServiceType, fn func() (any, error)) (any, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	cb, ok := m.breakers[svc]
	if !ok {
		return nil, fmt.Errorf("circuitbreaker: unknown service %q", svc)
	}
	return cb.Execute(fn)
}
