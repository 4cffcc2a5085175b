package reqcontext

import "github.com/zentinelproxy/zentinel/agentmanager"

// StreamState and StreamTracker are owned by agentmanager, which is the
// component actually driving chunk-by-chunk dispatch (spec 4.6) and
// therefore the one advancing chunk_index and the byte counters.
// reqcontext re-exports them under their spec 4.9 name alongside the
// per-request Context; Context itself holds no streaming state.
type (
	StreamState   = agentmanager.StreamState
	StreamTracker = agentmanager.StreamTracker
)

// NewStreamTracker returns an empty tracker.
func NewStreamTracker() *StreamTracker {
	return agentmanager.NewStreamTracker()
}
