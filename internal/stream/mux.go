// Package stream orders and deduplicates session events before delivery.
// Producers run concurrently and may publish out of order; the multiplexer
// releases events in sequence order, holding stragglers in a bounded reorder
// window. Each stream carries exactly one terminal event.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

const (
	// DefaultWindowSize is the most events held while waiting for a gap to
	// fill.
	DefaultWindowSize = 32
	// DefaultWindowWait is the longest an event is held before it is
	// released out of order.
	DefaultWindowWait = 250 * time.Millisecond
	// defaultBuffer is the delivery channel capacity.
	defaultBuffer = 64
)

// Options configures a Mux. Zero values take the package defaults.
type Options struct {
	WindowSize int
	WindowWait time.Duration
	Buffer     int
	Logger     *slog.Logger
}

type dedupKey struct {
	sequence     uint64
	invocationID uint64
}

// Mux is the per-session event multiplexer. Create one per stream; it is
// safe for concurrent producers. Channel sends happen on a dedicated
// dispatcher goroutine, so Publish, Cancel and Close never block on a slow
// consumer.
type Mux struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	out          chan models.StreamEvent
	queue        []models.StreamEvent // released events awaiting delivery
	nextSeq      uint64               // next sequence to hand to a producer
	nextRelease  uint64               // next sequence to release in order
	pending      map[uint64]models.StreamEvent
	seen         map[dedupKey]struct{}
	flushTimer   *time.Timer
	cancelled    bool
	terminalSent bool
	closed       bool
}

// New creates a Mux and starts its dispatcher.
func New(opts Options) *Mux {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.WindowWait <= 0 {
		opts.WindowWait = DefaultWindowWait
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Mux{
		opts:    opts,
		logger:  opts.Logger.With("component", "stream"),
		out:     make(chan models.StreamEvent, opts.Buffer),
		pending: make(map[uint64]models.StreamEvent),
		seen:    make(map[dedupKey]struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.dispatch()
	return m
}

// Events is the ordered delivery channel. It closes after the terminal
// event has been released and Close is called.
func (m *Mux) Events() <-chan models.StreamEvent {
	return m.out
}

// NextSeq reserves the next sequence number. Producers stamp events with it
// before publishing.
func (m *Mux) NextSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.nextSeq
	m.nextSeq++
	return seq
}

// Publish hands an event to the multiplexer. Duplicates (same sequence and
// invocation id) are dropped. After cancellation only terminal events pass;
// in-flight tool results are discarded.
func (m *Mux) Publish(event models.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	key := dedupKey{sequence: event.Sequence, invocationID: event.InvocationID}
	if _, dup := m.seen[key]; dup {
		m.logger.Debug("duplicate event dropped",
			"sequence", event.Sequence,
			"invocation_id", event.InvocationID)
		return
	}
	m.seen[key] = struct{}{}

	if event.Terminal() {
		if m.terminalSent {
			m.logger.Debug("extra terminal event dropped", "type", event.Type)
			return
		}
		m.terminalSent = true
		// A terminal event ends the stream: release everything buffered,
		// then the terminal itself.
		m.flushPendingLocked()
		m.emitLocked(event)
		return
	}

	if m.cancelled {
		m.logger.Debug("event discarded after cancellation",
			"type", event.Type,
			"sequence", event.Sequence)
		return
	}

	if event.Sequence < m.nextRelease {
		// Late duplicate of an already-released slot.
		return
	}

	if event.Sequence == m.nextRelease {
		m.emitLocked(event)
		m.nextRelease++
		m.drainPendingLocked()
		return
	}

	// Out of order: hold it in the window.
	m.pending[event.Sequence] = event
	if len(m.pending) >= m.opts.WindowSize {
		m.flushPendingLocked()
		return
	}
	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(m.opts.WindowWait, m.flushExpired)
	}
}

// Cancel discards in-flight results and, when emitTerminal is true, releases
// the stream's single terminal event with the given reason.
func (m *Mux) Cancel(sessionID string, reason models.EndReason, emitTerminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.cancelled = true
	m.pending = make(map[uint64]models.StreamEvent)
	m.stopTimerLocked()

	if emitTerminal && !m.terminalSent {
		m.terminalSent = true
		m.emitLocked(models.StreamEvent{
			Type:      models.EventSessionEnded,
			Sequence:  m.nextSeq,
			SessionID: sessionID,
			Time:      time.Now().UTC(),
			End:       &models.EndPayload{Reason: reason},
		})
		m.nextSeq++
	}
}

// Close releases remaining buffered events. The dispatcher closes the
// delivery channel once they have drained.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.flushPendingLocked()
	m.stopTimerLocked()
	m.closed = true
	m.cond.Signal()
}

// drainPendingLocked releases consecutively sequenced events that were
// waiting on the gap that just filled.
func (m *Mux) drainPendingLocked() {
	for {
		event, ok := m.pending[m.nextRelease]
		if !ok {
			if len(m.pending) == 0 {
				m.stopTimerLocked()
			}
			return
		}
		delete(m.pending, m.nextRelease)
		m.emitLocked(event)
		m.nextRelease++
	}
}

// flushPendingLocked gives up on missing sequences and releases everything
// buffered, in ascending order, marked as reordered.
func (m *Mux) flushPendingLocked() {
	if len(m.pending) == 0 {
		return
	}

	sequences := make([]uint64, 0, len(m.pending))
	for seq := range m.pending {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	for _, seq := range sequences {
		event := m.pending[seq]
		if seq != m.nextRelease {
			event.Reordered = true
		}
		m.emitLocked(event)
		if seq >= m.nextRelease {
			m.nextRelease = seq + 1
		}
	}
	m.pending = make(map[uint64]models.StreamEvent)
	m.stopTimerLocked()
}

func (m *Mux) flushExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.flushTimer = nil
	if len(m.pending) > 0 {
		m.logger.Debug("reorder window expired", "held", len(m.pending))
		m.flushPendingLocked()
	}
}

func (m *Mux) stopTimerLocked() {
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
}

// emitLocked queues one released event for the dispatcher. Producers never
// touch the delivery channel directly, so no lock is ever held across a
// channel send.
func (m *Mux) emitLocked(event models.StreamEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	m.queue = append(m.queue, event)
	m.cond.Signal()
}

// dispatch moves released events from the queue to the delivery channel and
// closes the channel after Close once the queue drains. The consumer must
// keep reading Events until it closes.
func (m *Mux) dispatch() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, event := range batch {
			m.out <- event
		}
		if closed {
			close(m.out)
			return
		}
	}
}
