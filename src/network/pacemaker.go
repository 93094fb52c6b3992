package network

import (
	"sync"
	"time"
)

// Pacemaker pushes a heartbeat trigger into the connection manager's control
// channel at a fixed interval. It owns no connection state itself; it only
// drives the manager's clock. Reconnection backoff is also evaluated on these
// ticks, so nothing in the manager needs its own timer.
type Pacemaker struct {
	interval time.Duration
	target   chan<- cmRequest

	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewPacemaker creates a Pacemaker feeding target every interval. It does not
// start ticking until Start is called.
func NewPacemaker(interval time.Duration, target chan<- cmRequest) *Pacemaker {
	return &Pacemaker{
		interval: interval,
		target:   target,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the ticking goroutine.
func (p *Pacemaker) Start() {
	p.started = true
	go p.run()
}

func (p *Pacemaker) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case p.target <- cmRequest{kind: cmSendHeartbeats}:
			case <-p.stopCh:
				return
			}
		case <-p.stopCh:
			return
		}
	}
}

// Stop terminates the ticking goroutine and waits for it to exit. Stopping a
// pacemaker that was never started is a no-op.
func (p *Pacemaker) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	if p.started {
		<-p.doneCh
	}
}
