package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

// NetworkConfig tunes the connectivity monitor.
type NetworkConfig struct {
	ProbeInterval time.Duration // default 15s
	HealthPath    string        // default /health
	ProbeTimeout  time.Duration // default 5s
}

func (c *NetworkConfig) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// NetworkMonitor periodically probes the portal's health endpoint and feeds
// the resulting online/offline signal into the queue. Any response from the
// server, even an error status, proves the network path is up; only
// transport-level failures mean offline.
type NetworkMonitor struct {
	gw    driven.Gateway
	queue *Queue
	cfg   NetworkConfig
}

// NewNetworkMonitor creates a NetworkMonitor.
func NewNetworkMonitor(gw driven.Gateway, queue *Queue, cfg NetworkConfig) *NetworkMonitor {
	cfg.applyDefaults()
	return &NetworkMonitor{gw: gw, queue: queue, cfg: cfg}
}

// Start probes until ctx is canceled. The first probe fires immediately so
// startup state settles without waiting a full interval.
func (n *NetworkMonitor) Start(ctx context.Context) {
	n.probe(ctx)

	ticker := time.NewTicker(n.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.probe(ctx)
		}
	}
}

func (n *NetworkMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, n.cfg.ProbeTimeout)
	defer cancel()

	_, err := n.gw.Do(probeCtx, driven.Request{
		Method:  "GET",
		Path:    n.cfg.HealthPath,
		NoAuth:  true,
		Timeout: n.cfg.ProbeTimeout,
	})

	online := err == nil || !isTransportError(err)
	if online != n.queue.Online() {
		slog.Info("connectivity probe flipped state", "online", online)
	}
	n.queue.SetOnline(ctx, online)
}

func isTransportError(err error) bool {
	apiErr, ok := model.AsAPIError(err)
	if !ok {
		return true
	}
	switch apiErr.Kind {
	case model.ErrorKindNetwork, model.ErrorKindTimeout:
		return true
	}
	return false
}
