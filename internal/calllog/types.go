package calllog

import (
	"context"
	"time"
)

// Record is one call detail record: metadata only, no audio is ever stored.
type Record struct {
	ID              string    `json:"id"`
	CallID          string    `json:"call_id"`
	Transport       string    `json:"transport"`
	StreamSID       string    `json:"stream_sid,omitempty"`
	ProviderCallSID string    `json:"provider_call_sid,omitempty"`
	EndReason       string    `json:"end_reason"`
	DurationMS      int64     `json:"duration_ms"`
	FramesIn        int64     `json:"frames_in"`
	FramesOut       int64     `json:"frames_out"`
	FramesDropped   int64     `json:"frames_dropped"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists call detail records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
