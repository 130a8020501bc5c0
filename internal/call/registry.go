package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Transport kinds a call can arrive over.
const (
	KindWebSocket = "websocket"
	KindTwilio    = "twilio"
)

var ErrNotFound = errors.New("call not found")

type Call struct {
	ID              string    `json:"call_id"`
	Kind            string    `json:"transport"`
	StreamSID       string    `json:"stream_sid,omitempty"`
	ProviderCallSID string    `json:"provider_call_sid,omitempty"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	SampleRate      int       `json:"sample_rate"`
	Status          Status    `json:"status"`
	EndReason       string    `json:"end_reason,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
}

// Registry tracks in-flight calls. Ended calls stay visible until the janitor
// sweeps them so the listing endpoints can show recent history.
type Registry struct {
	mu                sync.RWMutex
	calls             map[string]*Call
	inactivityTimeout time.Duration
	retention         time.Duration
	onExpire          func(*Call)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		calls:             make(map[string]*Call),
		inactivityTimeout: inactivityTimeout,
		retention:         10 * time.Minute,
	}
}

// SetExpireHook installs a callback invoked for calls ended by inactivity.
func (r *Registry) SetExpireHook(hook func(*Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Begin(kind, remoteAddr string, sampleRate int) *Call {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		Kind:           kind,
		RemoteAddr:     remoteAddr,
		SampleRate:     sampleRate,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[c.ID] = c
	return clone(c)
}

func (r *Registry) Get(callID string) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// List returns all known calls, newest first.
func (r *Registry) List() []*Call {
	r.mu.RLock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, clone(c))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (r *Registry) Touch(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// SetStream records the provider stream identifiers once the media stream's
// start message arrives.
func (r *Registry) SetStream(callID, streamSID, providerCallSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.StreamSID = streamSID
	c.ProviderCallSID = providerCallSID
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) End(callID, reason string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status == StatusActive {
		now := time.Now().UTC()
		c.Status = StatusEnded
		c.EndReason = reason
		c.EndedAt = now
		c.LastActivityAt = now
	}
	return clone(c), nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, c := range r.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (r *Registry) sweep() {
	now := time.Now().UTC()
	var expired []*Call

	r.mu.Lock()
	for id, c := range r.calls {
		switch c.Status {
		case StatusActive:
			if now.Sub(c.LastActivityAt) < r.inactivityTimeout {
				continue
			}
			c.Status = StatusEnded
			c.EndReason = "inactivity"
			c.EndedAt = now
			c.LastActivityAt = now
			expired = append(expired, clone(c))
		case StatusEnded:
			if now.Sub(c.EndedAt) >= r.retention {
				delete(r.calls, id)
			}
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	cp := *c
	return &cp
}
