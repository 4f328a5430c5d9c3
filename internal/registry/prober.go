package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProberConfig controls the HTTP health prober
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Prober periodically checks instance health over HTTP and flips the
// health flag in the registry. Instances without a health check URL are
// assumed healthy.
type Prober struct {
	config   ProberConfig
	registry *Registry
	client   *http.Client

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewProber creates a health prober for the given registry
func NewProber(reg *Registry, config ProberConfig) *Prober {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &Prober{
		config:   config,
		registry: reg,
		client:   &http.Client{Timeout: config.Timeout},
		stopCh:   make(chan struct{}),
	}
}

// Start begins background monitoring
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("health prober already started")
	}
	p.running = true

	p.wg.Add(1)
	go p.monitorLoop(ctx)

	return nil
}

// Stop halts monitoring and waits for the loop to exit
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Prober) monitorLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// Initial pass immediately
	p.checkAll(ctx)

	for {
		select {
		case <-ticker.C:
			p.checkAll(ctx)
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}
	}
}

func (p *Prober) checkAll(ctx context.Context) {
	for _, service := range p.registry.Services() {
		for _, inst := range p.registry.Instances(service) {
			if inst.HealthCheckURL == "" {
				continue
			}

			healthy := p.check(ctx, inst.HealthCheckURL)
			if err := p.registry.UpdateHealth(service, inst.ID, healthy); err != nil {
				continue // Deregistered while probing
			}
			if !healthy {
				log.WithFields(log.Fields{
					"service":  service,
					"instance": inst.ID,
					"url":      inst.HealthCheckURL,
				}).Warn("Health check failed")
			}
		}
	}
}

func (p *Prober) check(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
