// Package redis publishes security events to a Redis stream so that
// several guard instances can feed one downstream consumer.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/api-guard/notify"
	"github.com/giantswarm/api-guard/security"
)

const (
	// DefaultStream is the stream key events are appended to
	DefaultStream = "api-guard:security-events"

	// DefaultMaxLen caps the stream length (approximate trimming)
	DefaultMaxLen = 10000

	// DefaultWriteTimeout bounds a single XADD. Sinks run on the request path.
	DefaultWriteTimeout = 500 * time.Millisecond
)

// StreamWriter is the subset of goredis.UniversalClient used by Sink
type StreamWriter interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// Config configures a Sink
type Config struct {
	Stream       string
	MaxLen       int64
	WriteTimeout time.Duration

	// Types restricts the published event types. Empty publishes everything.
	Types []security.EventType
}

// Sink is a security.EventSink that appends events to a Redis stream
type Sink struct {
	client  StreamWriter
	stream  string
	maxLen  int64
	timeout time.Duration
	types   map[security.EventType]bool
}

// NewSink creates a Sink writing through client
func NewSink(client StreamWriter, cfg Config) *Sink {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}

	var types map[security.EventType]bool
	if len(cfg.Types) > 0 {
		types = make(map[security.EventType]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			types[t] = true
		}
	}

	return &Sink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: timeout,
		types:   types,
	}
}

// Stream returns the stream key
func (s *Sink) Stream() string {
	return s.stream
}

// HandleEvent implements security.EventSink
func (s *Sink) HandleEvent(ctx context.Context, event security.Event) error {
	if s.types != nil && !s.types[event.Type] {
		return nil
	}

	details := "{}"
	if safe := notify.SafeDetails(event.Details); len(safe) > 0 {
		b, err := json.Marshal(safe)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		details = string(b)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_type": string(event.Type),
			"key":        event.Key,
			"high_risk":  event.Type.IsHighRisk(),
			"timestamp":  event.Timestamp.UTC().Format(time.RFC3339Nano),
			"details":    details,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
