package gate

import (
	"context"
	"log"
	"net"
	"time"
)

// ProbeFunc reports whether the time authority currently looks reachable.
type ProbeFunc func(ctx context.Context) bool

// DialProbe probes by opening a TCP connection to addr. This stands in for
// a platform connectivity API on devices that don't report one.
func DialProbe(addr string, timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}

// Prober periodically feeds the gate from a ProbeFunc. It runs as a
// background goroutine and is safe to stop via its context or Stop.
//
// An interval of 0 disables probing (the gate is then driven only by
// explicit connectivity reports).
type Prober struct {
	gate     *Gate
	probe    ProbeFunc
	interval time.Duration
	logger   *log.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewProber(g *Gate, probe ProbeFunc, interval time.Duration, logger *log.Logger) *Prober {
	return &Prober{
		gate:     g,
		probe:    probe,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the probe loop. It probes once immediately so the gate holds
// a real reading before the first drain decision.
func (p *Prober) Start(ctx context.Context) {
	if p.interval <= 0 {
		p.logger.Printf("connectivity prober disabled (interval=0)")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)

	go p.loop(ctx)

	p.logger.Printf("connectivity prober started (interval=%s)", p.interval)
}

// Stop signals the prober to exit and waits for it to finish.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)

	p.gate.SetReachable(p.probe(ctx))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.gate.SetReachable(p.probe(ctx))
		}
	}
}
