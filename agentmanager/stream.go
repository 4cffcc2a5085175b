package agentmanager

import "sync"

// StreamState is the running counters for one correlation id's body
// stream: how many chunks have been seen, and how many bytes have
// flowed in each direction (spec 4.6's streaming semantics).
type StreamState struct {
	ChunkIndex    int
	BytesReceived int64
	BytesSent     int64
}

// StreamTracker holds per-correlation-id streaming body state for the
// lifetime of a chunked request or response. A plain map guarded by a
// mutex is enough here: chunks for different correlation ids can arrive
// concurrently, but there is no persistence requirement across process
// restarts — config reload is the only durable-snapshot concern in this
// module, and that applies to the agent/semaphore/breaker maps, not
// per-request state.
type StreamTracker struct {
	mu     sync.Mutex
	states map[string]*StreamState
}

// NewStreamTracker returns an empty tracker.
func NewStreamTracker() *StreamTracker {
	return &StreamTracker{states: make(map[string]*StreamState)}
}

// TrackReceived records the arrival of an n-byte chunk for
// correlationID and returns the updated state.
func (t *StreamTracker) TrackReceived(correlationID string, n int) StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(correlationID)
	s.ChunkIndex++
	s.BytesReceived += int64(n)
	return *s
}

// TrackSent records n bytes written out for correlationID and returns
// the updated state. Does not advance ChunkIndex — that only counts
// chunks received from the side the agent chain inspects.
func (t *StreamTracker) TrackSent(correlationID string, n int) StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(correlationID)
	s.BytesSent += int64(n)
	return *s
}

func (t *StreamTracker) stateLocked(correlationID string) *StreamState {
	s, ok := t.states[correlationID]
	if !ok {
		s = &StreamState{}
		t.states[correlationID] = s
	}
	return s
}

// State returns a snapshot of correlationID's current state, or the
// zero value if nothing has been tracked for it yet.
func (t *StreamTracker) State(correlationID string) StreamState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[correlationID]; ok {
		return *s
	}
	return StreamState{}
}

// Clear discards correlationID's streaming state. Manager.ProcessBodyChunk
// calls it after a stream's IsLast chunk; an entry whose stream never
// delivers IsLast stays in the tracker until Clear is called for it.
func (t *StreamTracker) Clear(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, correlationID)
}

// Len reports how many correlation ids currently have tracked state.
func (t *StreamTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
