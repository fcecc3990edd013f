package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultAlertCooldown = time.Hour
)

// Checker evaluates run health on a timer and posts alerts. An alert type
// that already fired is held back until its cooldown elapses.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	lookback  int
	interval  time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastFired map[AlertType]time.Time
}

// NewChecker builds a Checker from the monitor config.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitorConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		lookback:  cfg.LookbackWindowHours,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		cooldown:  time.Duration(cfg.AlertCooldownMins) * time.Minute,
		now:       time.Now,
		lastFired: make(map[AlertType]time.Time),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.cooldown <= 0 {
		c.cooldown = defaultAlertCooldown
	}
	return c
}

// Run checks on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Duration("cooldown", c.cooldown),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and posts the alerts it raises that are not
// cooling down. It returns the alerts it posted.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect", zap.Error(err))
		return nil
	}

	fresh := c.admit(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: healthy",
			zap.Int("runs", snap.RunsTotal),
			zap.Float64("fail_rate", snap.FailRate),
			zap.Float64("llm_cost_usd", snap.LLMCostUSD),
		)
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alerts raised",
		zap.Int("raised", len(fresh)),
		zap.Int("delivered", sent),
	)
	return fresh
}

// admit drops alerts whose type fired within the cooldown and stamps the
// rest.
func (c *Checker) admit(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastFired[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		c.lastFired[a.Type] = now
		out = append(out, a)
	}
	return out
}
