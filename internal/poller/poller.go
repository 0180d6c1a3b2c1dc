// Package poller runs a task on a fixed interval with serialized ticks and
// generation tokens that let late results be discarded after a stop.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrRunning = errors.New("poller already running")

// Token identifies the generation a tick was started in.
type Token uint64

// TickFunc performs one unit of work. ctx is cancelled on Stop.
type TickFunc func(ctx context.Context, tok Token) error

type Poller struct {
	interval time.Duration
	tick     TickFunc

	// OnError receives tick failures. Set before Start.
	OnError func(tok Token, err error)

	mu      sync.Mutex
	gen     Token
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   uint64
}

func New(interval time.Duration, tick TickFunc) *Poller {
	done := make(chan struct{})
	close(done)
	return &Poller{interval: interval, tick: tick, done: done}
}

func (p *Poller) Interval() time.Duration { return p.interval }

// Start launches the loop. The first tick runs immediately; each subsequent tick
// is scheduled one interval after the previous one returned.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrRunning
	}
	p.gen++
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.gen, p.done)
	return nil
}

func (p *Poller) loop(ctx context.Context, tok Token, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.exit(tok)
			return
		case <-timer.C:
		}

		p.runTick(ctx, tok)

		if ctx.Err() != nil {
			p.exit(tok)
			return
		}
		timer.Reset(p.interval)
	}
}

// exit marks the poller idle if tok is still the active generation. A parent
// context cancellation ends the loop without Stop being called.
func (p *Poller) exit(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == tok && p.running {
		p.running = false
		p.cancel()
	}
}

func (p *Poller) runTick(ctx context.Context, tok Token) {
	p.mu.Lock()
	p.ticks++
	p.mu.Unlock()

	if err := p.tick(ctx, tok); err != nil && p.OnError != nil {
		p.OnError(tok, err)
	}
}

// Stop cancels the loop and invalidates every outstanding token. It returns
// without waiting for an in-flight tick; use Wait for that.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.running {
		p.running = false
		p.cancel()
	}
}

// Wait blocks until the loop goroutine of the last Start has exited.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done
}

// Valid reports whether tok belongs to the current generation.
func (p *Poller) Valid(tok Token) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return tok == p.gen
}

// Commit runs fn only if tok is still current. fn runs under the poller lock,
// so Stop cannot interleave with it; fn must not call back into the poller.
func (p *Poller) Commit(tok Token, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok != p.gen {
		return false
	}
	fn()
	return true
}

// RunOnce performs a single tick synchronously in a fresh generation.
func (p *Poller) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrRunning
	}
	p.gen++
	tok := p.gen
	p.ticks++
	p.mu.Unlock()

	return p.tick(ctx, tok)
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Ticks counts ticks started since New.
func (p *Poller) Ticks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}
