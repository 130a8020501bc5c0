package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GitNimay/ai-calling-agent/internal/observability"
)

// State is the engine lifecycle phase. Transitions only move forward:
// Idle -> Active -> Draining -> Closed. Redundant transition attempts are
// no-ops, never errors.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// Config tunes one engine instance.
type Config struct {
	CallID            string
	SystemInstruction string
	InputSampleRate   int
	QueueCapacity     int
	// DrainTimeout bounds how long the outbound pump may keep delivering
	// after input ended.
	DrainTimeout time.Duration
	// StopGrace bounds every cooperative wait during shutdown; after it
	// elapses remaining resources are force-released.
	StopGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
	return c
}

// Engine owns one call: it pumps frames from the transport into the model
// session and pumps session output back to the transport, then shuts both
// directions down as a unit. One engine per call; no state is shared across
// calls beyond the injected session factory.
type Engine struct {
	cfg       Config
	transport Transport
	factory   SessionFactory
	metrics   *observability.Metrics
	queue     *Queue

	mu    sync.Mutex
	state State
	err   error

	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	decodeDrops atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// Stats are the per-call frame counters; final once Done has closed.
// FramesDropped covers both backpressure and decode drops, matching the
// frames_dropped_total metric summed over its reasons.
type Stats struct {
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
}

func (e *Engine) Stats() Stats {
	return Stats{
		FramesIn:      e.framesIn.Load(),
		FramesOut:     e.framesOut.Load(),
		FramesDropped: e.queue.Dropped() + e.decodeDrops.Load(),
	}
}

func NewEngine(cfg Config, transport Transport, factory SessionFactory, metrics *observability.Metrics) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		transport: transport,
		factory:   factory,
		metrics:   metrics,
		queue:     NewQueue(cfg.QueueCapacity),
		state:     StateIdle,
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal call error, if any. Frame-level failures are
// absorbed; only session-level failures are reported, and only once.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done closes when the engine has fully shut down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Stop requests shutdown from outside, typically on transport disconnect.
// Safe to call before, during, or after Run, any number of times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		if e.state == StateIdle {
			e.state = StateClosed
		}
		e.mu.Unlock()
		close(e.stopped)
	})
}

// Run drives the call to completion and blocks until the engine is Closed.
// It returns the call-level error, or nil for a clean call.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.close()

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return e.Err()
	}
	e.mu.Unlock()

	started := time.Now()
	sess, err := e.factory.Open(ctx, SessionConfig{
		SystemInstruction: e.cfg.SystemInstruction,
		InputSampleRate:   e.cfg.InputSampleRate,
	})
	if err != nil {
		e.metrics.SessionErrors.WithLabelValues("open").Inc()
		e.fail(fmt.Errorf("%w: %v", ErrSessionUnavailable, err))
		return e.Err()
	}

	if !e.transition(StateIdle, StateActive) {
		// Stop raced session setup; release the handle and bail out.
		_ = sess.Close()
		return e.Err()
	}
	e.metrics.CallEvents.WithLabelValues("call_active").Inc()
	defer func() {
		e.metrics.ObserveCallDuration(time.Since(started))
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopped:
			cancel()
		case <-runCtx.Done():
		}
	}()

	recvDone := make(chan struct{})
	go e.receiveLoop(runCtx, recvDone)

	inDone := make(chan struct{})
	go e.inboundPump(runCtx, sess, inDone)

	outDone := make(chan struct{})
	go e.outboundPump(runCtx, sess, started, outDone)

	select {
	case <-inDone:
		// Input finished first: drain what the session still has to say.
		e.transition(StateActive, StateDraining)
		e.metrics.CallEvents.WithLabelValues("draining").Inc()
		select {
		case <-outDone:
		case <-time.After(e.cfg.DrainTimeout):
			log.Printf("call %s: drain timeout after %s, forcing close", e.cfg.CallID, e.cfg.DrainTimeout)
			e.metrics.CallEvents.WithLabelValues("drain_timeout").Inc()
		case <-runCtx.Done():
		}
	case <-outDone:
		// Session output ended first: stop feeding it and let the
		// inbound side wind down.
		e.transition(StateActive, StateDraining)
		e.queue.CloseInput()
		select {
		case <-inDone:
		case <-time.After(e.cfg.StopGrace):
			log.Printf("call %s: inbound pump did not stop within %s", e.cfg.CallID, e.cfg.StopGrace)
		case <-runCtx.Done():
		}
	case <-runCtx.Done():
		e.transition(StateActive, StateDraining)
	}

	cancel()
	_ = sess.Close()
	e.queue.CloseInput()
	waitWithTimeout(e.cfg.StopGrace, inDone, outDone, recvDone)

	return e.Err()
}

// receiveLoop moves transport input into the queue. It is the single
// producer; per-frame decode failures are dropped and the loop continues.
func (e *Engine) receiveLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			e.queue.CloseInput()
			return
		}
		f, err := e.transport.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, ErrFrameDecode) {
				e.decodeDrops.Add(1)
				e.metrics.FramesDropped.WithLabelValues("decode").Inc()
				log.Printf("call %s: dropping undecodable frame: %v", e.cfg.CallID, err)
				continue
			}
			// End of input or disconnect: deliver the sentinel.
			e.queue.CloseInput()
			return
		}
		if !e.queue.Push(f) {
			e.metrics.FramesDropped.WithLabelValues("backpressure").Inc()
		}
	}
}

// inboundPump forwards queued frames to the session until the sentinel or a
// session failure.
func (e *Engine) inboundPump(ctx context.Context, sess Session, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.queue.Frames():
			if !ok {
				_ = sess.CloseSend(ctx)
				return
			}
			if err := sess.Send(ctx, f); err != nil {
				if ctx.Err() == nil {
					e.metrics.SessionErrors.WithLabelValues("send").Inc()
					e.fail(fmt.Errorf("session send: %w", err))
				}
				return
			}
			e.framesIn.Add(1)
			e.metrics.FramesRelayed.WithLabelValues("inbound").Inc()
		}
	}
}

// outboundPump forwards session output to the transport until end of stream
// or a write failure.
func (e *Engine) outboundPump(ctx context.Context, sess Session, started time.Time, done chan<- struct{}) {
	defer close(done)
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-sess.Frames():
			if !ok {
				if err := sess.Err(); err != nil && ctx.Err() == nil {
					e.metrics.SessionErrors.WithLabelValues("receive").Inc()
					e.fail(fmt.Errorf("session receive: %w", err))
				}
				return
			}
			if first {
				first = false
				e.metrics.ObserveFirstAudioLatency(time.Since(started))
			}
			if err := e.transport.WriteFrame(ctx, f); err != nil {
				// A write failure means the call leg went away; that is a
				// drain trigger, not a call error.
				if ctx.Err() == nil {
					log.Printf("call %s: outbound write failed: %v", e.cfg.CallID, err)
					e.metrics.CallEvents.WithLabelValues("transport_write_failed").Inc()
				}
				return
			}
			e.framesOut.Add(1)
			e.metrics.FramesRelayed.WithLabelValues("outbound").Inc()
		}
	}
}

func (e *Engine) transition(from, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return false
	}
	e.state = to
	return true
}

func (e *Engine) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateClosed {
		e.state = StateClosed
	}
}

// fail records the first terminal error; later failures on the same call are
// dropped so the error surfaces exactly once.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func waitWithTimeout(timeout time.Duration, chans ...chan struct{}) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, ch := range chans {
		select {
		case <-ch:
		case <-deadline.C:
			return
		}
	}
}
