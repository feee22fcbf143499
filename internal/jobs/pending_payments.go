package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"marketplace/dashboard/internal/config"
	"marketplace/dashboard/internal/session"
)

type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

type SessionView interface {
	State() session.State
}

// PendingPayments keeps the number of payments awaiting admin confirmation,
// the figure behind the dashboard's payments badge.
type PendingPayments struct {
	counter  PendingCounter
	session  SessionView
	logger   *slog.Logger
	gauge    prometheus.Gauge
	enabled  bool
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	count     int
	updatedAt time.Time
	known     bool
}

func NewPendingPayments(cfg config.Config, counter PendingCounter, sess SessionView, reg prometheus.Registerer, logger *slog.Logger) *PendingPayments {
	if logger == nil {
		logger = slog.Default()
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dashboard",
		Name:      "pending_payments",
		Help:      "Payments awaiting admin confirmation, as last polled.",
	})
	if reg != nil {
		reg.MustRegister(gauge)
	}
	interval := cfg.PendingPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.PendingPollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PendingPayments{
		counter:  counter,
		session:  sess,
		logger:   logger.With("job", "pending_payments"),
		gauge:    gauge,
		enabled:  cfg.PendingPollEnabled,
		interval: interval,
		timeout:  timeout,
	}
}

// Start polls once right away and then on every interval until ctx ends.
func (p *PendingPayments) Start(ctx context.Context) {
	if !p.enabled {
		p.logger.Info("pending payments job disabled")
		return
	}
	if p.counter == nil || p.session == nil {
		p.logger.Warn("pending payments job disabled: client not configured")
		return
	}

	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		p.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

func (p *PendingPayments) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.Poll(tickCtx); err != nil {
		p.logger.Warn("pending payments poll failed", "error", err)
	}
}

// Poll refreshes the count. Without an authenticated session it forgets
// the last value instead of calling the backend.
func (p *PendingPayments) Poll(ctx context.Context) error {
	if !p.session.State().IsAuthenticated {
		p.reset()
		return nil
	}
	count, err := p.counter.PendingCount(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	changed := !p.known || p.count != count
	p.count = count
	p.updatedAt = time.Now().UTC()
	p.known = true
	p.mu.Unlock()

	p.gauge.Set(float64(count))
	if changed {
		p.logger.Info("pending payments updated", "count", count)
	}
	return nil
}

// Latest returns the last polled count. ok is false until a poll succeeds.
func (p *PendingPayments) Latest() (count int, updatedAt time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count, p.updatedAt, p.known
}

func (p *PendingPayments) reset() {
	p.mu.Lock()
	p.count = 0
	p.updatedAt = time.Time{}
	p.known = false
	p.mu.Unlock()
	p.gauge.Set(0)
}
