// Package accounting turns playback progress into bandwidth usage reports.
//
// Each playback of a resource gets a Session that tracks the cumulative bytes
// transferred. Increases are reported as deltas until playback passes the
// completion threshold, at which point the resource is marked in the cache's
// sent-marker store and no further reports are sent for it until the marker is
// cleared by expiry, eviction or removal.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// DefaultThreshold is the playback progress, in percent, at which a resource
// is marked as reported.
const DefaultThreshold = 70.0

// MarkerStore records which resources have been reported past the threshold.
type MarkerStore interface {
	Mark(ctx context.Context, key mediacache.ResourceKey) error
	IsMarked(ctx context.Context, key mediacache.ResourceKey) (bool, error)
}

// Sink accepts reports for delivery. Enqueue must not block.
type Sink interface {
	Enqueue(r Report) bool
}

// Subject identifies what a session is accounting for.
type Subject struct {
	Key         mediacache.ResourceKey
	MomentaryID string
	FileID      string
	UserID      string
}

// Report is one bandwidth usage delta for a subject.
type Report struct {
	Subject Subject
	Bytes   int64
	At      time.Time
}

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateReported
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateReported:
		return "reported"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Accountant creates sessions sharing a marker store and a report sink.
type Accountant struct {
	markers   MarkerStore
	sink      Sink
	threshold float64
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Accountant.
type Option func(*Accountant)

// WithLogger sets the logger for the accountant and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accountant) {
		a.logger = logger
	}
}

// WithThreshold sets the completion threshold in percent.
func WithThreshold(percent float64) Option {
	return func(a *Accountant) {
		a.threshold = percent
	}
}

// WithNow sets the clock used to timestamp reports.
func WithNow(now func() time.Time) Option {
	return func(a *Accountant) {
		a.now = now
	}
}

// New creates an accountant.
func New(markers MarkerStore, sink Sink, opts ...Option) *Accountant {
	a := &Accountant{
		markers:   markers,
		sink:      sink,
		threshold: DefaultThreshold,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "accounting")
	return a
}

// NewSession starts accounting for one playback of subject.Key.
func (a *Accountant) NewSession(ctx context.Context, subject Subject) (*Session, error) {
	if err := subject.Key.Validate(); err != nil {
		return nil, err
	}
	telemetry.RecordSessionDelta(ctx, 1)
	return &Session{
		a:       a,
		subject: subject,
		logger:  a.logger.With("url", string(subject.Key), "momentary_id", subject.MomentaryID),
	}, nil
}

// Session tracks the bytes transferred for one playback. It is safe for
// concurrent use.
type Session struct {
	a       *Accountant
	subject Subject
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	total  int64
	closed bool
}

// Subject returns what the session accounts for.
func (s *Session) Subject() Subject {
	return s.subject
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Total returns the largest cumulative transfer observed.
func (s *Session) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ObserveTransfer records the cumulative bytes transferred so far. When the
// value grows and the resource is not yet marked, the increase is queued as a
// report. Values that do not exceed the running total are ignored.
func (s *Session) ObserveTransfer(ctx context.Context, transferred int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	marked, err := s.a.markers.IsMarked(ctx, s.subject.Key)
	if err != nil {
		return fmt.Errorf("checking sent marker: %w", err)
	}
	if marked {
		s.state = StateReported
		return nil
	}
	if transferred <= s.total {
		return nil
	}

	delta := transferred - s.total
	s.total = transferred
	if s.state == StateIdle {
		s.state = StateAccumulating
	}

	if delta > 0 {
		s.a.sink.Enqueue(Report{Subject: s.subject, Bytes: delta, At: s.a.now()})
	}
	return nil
}

// ObservePosition records the playback position. Once position reaches the
// threshold share of duration the resource is marked as reported. A
// non-positive duration is ignored.
func (s *Session) ObservePosition(ctx context.Context, position, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state == StateReported {
		return nil
	}

	progress := float64(position) / float64(duration) * 100
	if progress < s.a.threshold {
		return nil
	}

	marked, err := s.a.markers.IsMarked(ctx, s.subject.Key)
	if err != nil {
		return fmt.Errorf("checking sent marker: %w", err)
	}
	if !marked {
		if err := s.a.markers.Mark(ctx, s.subject.Key); err != nil {
			return fmt.Errorf("marking resource: %w", err)
		}
		telemetry.RecordMarker(ctx)
		s.logger.Debug("playback threshold reached", "progress", progress, "total_bytes", s.total)
	}
	s.state = StateReported
	return nil
}

// Close discards the session state. Later observations are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.total = 0
	telemetry.RecordSessionDelta(context.Background(), -1)
}
