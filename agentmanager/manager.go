// Package agentmanager is the dispatch core of the agent subsystem: it
// holds every configured agent's Handle and per-agent semaphore behind
// an atomically-swapped snapshot, and implements the parallel and
// sequential dispatch algorithms lifecycle events go through. Control
// flow is ported near line-for-line from the original implementation's
// crates/proxy/src/agents/manager.rs process_event_parallel and
// process_websocket_frame, translating tokio::sync::Semaphore +
// futures::future::join_all into golang.org/x/sync/semaphore +
// golang.org/x/sync/errgroup.
package agentmanager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zentinelproxy/zentinel/agenthandle"
	"github.com/zentinelproxy/zentinel/config"
	"github.com/zentinelproxy/zentinel/protocol"
	"github.com/zentinelproxy/zentinel/protocolmetrics"
	"github.com/zentinelproxy/zentinel/zerr"
)

// RouteAgent names one agent in a route's filter chain, with the
// failure-mode override that chain specified (falling back to the
// agent's own default when FailureMode is empty).
type RouteAgent struct {
	AgentID     string
	FailureMode config.FailureMode
}

func (r RouteAgent) effectiveFailureMode(agentDefault config.FailureMode) config.FailureMode {
	if r.FailureMode == "" {
		return agentDefault
	}
	return r.FailureMode
}

type snapshot struct {
	handles     map[string]*agenthandle.Handle
	semaphores  map[string]*semaphore.Weighted
}

// Manager coordinates every configured agent.
type Manager struct {
	metrics       *protocolmetrics.Metrics
	snap          atomic.Pointer[snapshot]
	streamTracker *StreamTracker
}

// New dials every agent in cfgs and builds a Manager ready to dispatch.
// Agents that fail to dial are still added (their pool starts with
// unhealthy slots and reconnects in the background) so a transient
// outage at startup does not prevent the manager from existing.
func New(ctx context.Context, cfgs []config.AgentConfig, metrics *protocolmetrics.Metrics) (*Manager, error) {
	if metrics == nil {
		metrics = protocolmetrics.New()
	}
	m := &Manager{metrics: metrics, streamTracker: NewStreamTracker()}
	snap, err := buildSnapshot(ctx, cfgs, metrics)
	if err != nil {
		return nil, err
	}
	m.snap.Store(snap)
	return m, nil
}

func buildSnapshot(ctx context.Context, cfgs []config.AgentConfig, metrics *protocolmetrics.Metrics) (*snapshot, error) {
	handles := make(map[string]*agenthandle.Handle, len(cfgs))
	semaphores := make(map[string]*semaphore.Weighted, len(cfgs))

	for _, cfg := range cfgs {
		h, err := agenthandle.New(ctx, cfg, metrics)
		if err != nil {
			log.Error().Str("agent_id", cfg.ID).Err(err).Msg("failed to configure agent")
			return nil, zerr.Wrap(zerr.ConnectionFailed, "configure agent "+cfg.ID, err)
		}
		handles[cfg.ID] = h
		weight := cfg.MaxConcurrentCalls
		if weight <= 0 {
			weight = 1
		}
		semaphores[cfg.ID] = semaphore.NewWeighted(weight)
	}

	return &snapshot{handles: handles, semaphores: semaphores}, nil
}

// Reload replaces the manager's configured agents with a freshly dialed
// set and swaps the snapshot atomically: in-flight dispatches hold a
// reference to the old snapshot and complete against it undisturbed
// (spec 9's "config reload never mutates a snapshot in place").
func (m *Manager) Reload(ctx context.Context, cfgs []config.AgentConfig) error {
	newSnap, err := buildSnapshot(ctx, cfgs, m.metrics)
	if err != nil {
		return err
	}
	old := m.snap.Swap(newSnap)
	if old != nil {
		for id, h := range old.handles {
			if err := h.Close(); err != nil {
				log.Warn().Str("agent_id", id).Err(err).Msg("error closing agent handle during reload")
			}
		}
	}
	return nil
}

// Close tears down every agent handle.
func (m *Manager) Close() error {
	snap := m.snap.Load()
	if snap == nil {
		return nil
	}
	for id, h := range snap.handles {
		if err := h.Close(); err != nil {
			log.Warn().Str("agent_id", id).Err(err).Msg("error closing agent handle")
		}
	}
	return nil
}

// AnyAgentHandlesEvent reports whether any of the named agents handle
// eventType.
func (m *Manager) AnyAgentHandlesEvent(agentIDs []string, eventType protocol.EventType) bool {
	snap := m.snap.Load()
	for _, id := range agentIDs {
		if h, ok := snap.handles[id]; ok && h.Capabilities.HandlesEvent(eventType) {
			return true
		}
	}
	return false
}

// AgentsForEvent returns the configured agent IDs that handle eventType.
func (m *Manager) AgentsForEvent(eventType protocol.EventType) []string {
	snap := m.snap.Load()
	var ids []string
	for id, h := range snap.handles {
		if h.Capabilities.HandlesEvent(eventType) {
			ids = append(ids, id)
		}
	}
	return ids
}

// relevantAgent bundles everything one dispatch attempt needs, snapshotted
// once up front so the hot path never revisits the handles map.
type relevantAgent struct {
	id          string
	handle      *agenthandle.Handle
	sem         *semaphore.Weighted
	failureMode config.FailureMode
}

func (m *Manager) relevantAgents(routeAgents []RouteAgent, eventType protocol.EventType) []relevantAgent {
	snap := m.snap.Load()
	out := make([]relevantAgent, 0, len(routeAgents))
	for _, ra := range routeAgents {
		h, ok := snap.handles[ra.AgentID]
		if !ok || !h.Capabilities.HandlesEvent(eventType) {
			continue
		}
		out = append(out, relevantAgent{
			id:          ra.AgentID,
			handle:      h,
			sem:         snap.semaphores[ra.AgentID],
			failureMode: ra.effectiveFailureMode(h.Config.FailureMode),
		})
	}
	return out
}

// callOutcome is the result of dispatching one event to one agent.
type callOutcome struct {
	agentID     string
	response    protocol.AgentResponse
	err         error
	failureMode config.FailureMode
	isTimeout   bool
}

// callAgent acquires the agent's semaphore permit, checks its circuit
// breaker, and dispatches the event with a per-call timeout. Every
// failure, including the caller's own context being done before a
// permit is acquired, is carried in callOutcome.err so the caller can
// apply failure-mode policy.
func (m *Manager) callAgent(ctx context.Context, ra relevantAgent, eventType protocol.EventType, payload any, correlationID string) callOutcome {
	if ra.sem != nil {
		if err := ra.sem.Acquire(ctx, 1); err != nil {
			return callOutcome{agentID: ra.id, err: err, failureMode: ra.failureMode}
		}
		defer ra.sem.Release(1)
	}

	if !ra.handle.Breaker.Allow() {
		log.Warn().Str("agent_id", ra.id).Str("correlation_id", correlationID).Msg("circuit breaker open, skipping agent")
		return callOutcome{agentID: ra.id, err: zerr.New(zerr.Agent, "circuit breaker open"), failureMode: ra.failureMode}
	}

	client, release, err := ra.handle.Pool.Acquire(ctx)
	if err != nil {
		ra.handle.Breaker.RecordFailure()
		return callOutcome{agentID: ra.id, err: err, failureMode: ra.failureMode}
	}

	timeout := ra.handle.Config.Timeout
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	m.metrics.IncRequests()
	m.metrics.IncInFlight()
	resp, err := client.SendEvent(callCtx, eventType, payload)
	m.metrics.DecInFlight()
	duration := time.Since(start)

	if err != nil {
		isTimeout := zerr.Is(err, zerr.Timeout) || callCtx.Err() == context.DeadlineExceeded
		if isTimeout {
			m.metrics.IncTimeouts()
			ra.handle.Breaker.RecordTimeout()
		} else {
			m.metrics.IncConnectionErrors()
			ra.handle.Breaker.RecordFailure()
		}
		release(false)
		return callOutcome{agentID: ra.id, err: err, failureMode: ra.failureMode, isTimeout: isTimeout}
	}

	ra.handle.Breaker.RecordSuccess()
	release(true)
	m.metrics.IncResponses()
	m.metrics.RequestDuration.Record(duration)
	return callOutcome{agentID: ra.id, response: resp, failureMode: ra.failureMode}
}

// failurePolicyDecision turns a callOutcome's failure into a synthesized
// response when the filter's failure mode is Closed: 504 on timeout, 503
// otherwise. FailOpen returns ok=false so the caller continues the chain.
func failurePolicyDecision(o callOutcome) (protocol.AgentResponse, bool) {
	if o.failureMode != config.FailClosed {
		return protocol.AgentResponse{}, false
	}
	resp := protocol.NewAllowResponse()
	if o.isTimeout {
		resp.Decision = protocol.Block(504).WithBody("Gateway timeout")
	} else {
		resp.Decision = protocol.Block(503).WithBody("Service unavailable")
	}
	return resp, true
}

// ProcessEventParallel dispatches eventType to every relevant agent
// concurrently. It mirrors process_event_parallel: it waits for every
// call to finish, then scans the outcomes in route order; the first
// non-Allow decision found is returned as is, without merging other
// agents' header ops. A fail-closed failure synthesizes a block that is
// returned only when no agent returned a non-Allow decision; fail-open
// failures are skipped.
func (m *Manager) ProcessEventParallel(ctx context.Context, eventType protocol.EventType, payload any, routeAgents []RouteAgent, correlationID string) (protocol.AgentResponse, error) {
	agents := m.relevantAgents(routeAgents, eventType)
	if len(agents) == 0 {
		return protocol.NewAllowResponse(), nil
	}

	outcomes := make([]callOutcome, len(agents))
	grp, gctx := errgroup.WithContext(ctx)
	for i, ra := range agents {
		i, ra := i, ra
		grp.Go(func() error {
			outcomes[i] = m.callAgent(gctx, ra, eventType, payload, correlationID)
			return nil
		})
	}
	_ = grp.Wait()

	combined := protocol.NewAllowResponse()
	var blockingErr *protocol.AgentResponse

	for _, o := range outcomes {
		if o.err != nil {
			if decision, ok := failurePolicyDecision(o); ok && blockingErr == nil {
				blockingErr = &decision
			}
			continue
		}
		if !o.response.Decision.IsAllow() {
			return o.response, nil
		}
		combined = mergeResponses(combined, o.response)
	}

	if blockingErr != nil {
		return *blockingErr, nil
	}
	return combined, nil
}

// ProcessEventSequential dispatches eventType to each relevant agent in
// order, stopping as soon as the merged decision stops being Allow.
// Used for body chunks and other events where per-chunk ordering across
// agents matters (spec 4.6's streaming semantics).
func (m *Manager) ProcessEventSequential(ctx context.Context, eventType protocol.EventType, payload any, routeAgents []RouteAgent, correlationID string) (protocol.AgentResponse, error) {
	agents := m.relevantAgents(routeAgents, eventType)
	if len(agents) == 0 {
		return protocol.NewAllowResponse(), nil
	}

	combined := protocol.NewAllowResponse()
	for _, ra := range agents {
		o := m.callAgent(ctx, ra, eventType, payload, correlationID)
		if o.err != nil {
			if decision, ok := failurePolicyDecision(o); ok {
				return decision, nil
			}
			continue
		}
		combined = mergeResponses(combined, o.response)
		if !combined.Decision.IsAllow() {
			break
		}
	}
	return combined, nil
}

// ProcessBodyChunk drives one streaming body chunk through the agent
// chain via ProcessEventSequential, maintaining the per-correlation-id
// chunk_index and cumulative byte counters spec 4.6 requires and
// applying whichever body mutation the chain returns. eventType must be
// EventRequestBodyChunk or EventResponseBodyChunk. The returned bytes
// are what should be forwarded downstream for this chunk; on IsLast the
// tracker's state for correlationID is cleared.
func (m *Manager) ProcessBodyChunk(ctx context.Context, eventType protocol.EventType, event protocol.BodyChunkEvent, routeAgents []RouteAgent, correlationID string) ([]byte, protocol.AgentResponse, error) {
	state := m.streamTracker.TrackReceived(correlationID, len(event.Data))
	event.ChunkIndex = uint64(state.ChunkIndex - 1)
	event.BytesReceived = uint64(state.BytesReceived)

	resp, err := m.ProcessEventSequential(ctx, eventType, event, routeAgents, correlationID)
	if err != nil {
		return nil, resp, err
	}

	mutation := resp.RequestBodyMutation
	if eventType == protocol.EventResponseBodyChunk {
		mutation = resp.ResponseBodyMutation
	}

	forwarded := []byte(event.Data)
	if mutation != nil {
		forwarded, err = mutation.Apply(event.ChunkIndex, forwarded)
		if err != nil {
			return nil, resp, err
		}
	}

	m.streamTracker.TrackSent(correlationID, len(forwarded))
	if event.IsLast {
		m.streamTracker.Clear(correlationID)
	}
	return forwarded, resp, nil
}

// ProcessWebSocketFrame dispatches one WebSocket frame through every
// agent that declared WebSocket support, sequentially, stopping at the
// first non-Allow WebSocketDecision. Ported from process_websocket_frame.
func (m *Manager) ProcessWebSocketFrame(ctx context.Context, event protocol.WebSocketFrameEvent, routeAgents []RouteAgent) (protocol.AgentResponse, error) {
	agents := m.relevantAgents(routeAgents, protocol.EventWebSocketFrame)
	if len(agents) == 0 {
		d := protocol.WebSocketAllow()
		r := protocol.NewAllowResponse()
		r.WebSocketDecision = &d
		return r, nil
	}

	for _, ra := range agents {
		if !ra.handle.Breaker.Allow() {
			log.Warn().Str("agent_id", ra.id).Str("correlation_id", event.CorrelationID).Msg("circuit breaker open, skipping agent for websocket frame")
			if ra.failureMode == config.FailClosed {
				return wsCloseResponse(1011, "Service unavailable"), nil
			}
			continue
		}

		o := m.callAgent(ctx, ra, protocol.EventWebSocketFrame, event, event.CorrelationID)
		if o.err != nil {
			if ra.failureMode == config.FailClosed {
				reason := "Agent error"
				if o.isTimeout {
					reason = "Gateway timeout"
				}
				return wsCloseResponse(1011, reason), nil
			}
			continue
		}

		if o.response.WebSocketDecision != nil && o.response.WebSocketDecision.Kind != protocol.WSAllow {
			return o.response, nil
		}
	}

	d := protocol.WebSocketAllow()
	r := protocol.NewAllowResponse()
	r.WebSocketDecision = &d
	return r, nil
}

func wsCloseResponse(code uint16, reason string) protocol.AgentResponse {
	d := protocol.WebSocketClose(code, reason)
	r := protocol.NewAllowResponse()
	r.WebSocketDecision = &d
	return r
}

// CallGuardrailAgent sends a guardrail inspection event to exactly one
// named agent, bypassing route-agent resolution. Returns a zerr.Agent
// error if the agent is unknown, its breaker is open, or the call fails.
func (m *Manager) CallGuardrailAgent(ctx context.Context, agentID string, event protocol.GuardrailInspectEvent) (protocol.AgentResponse, error) {
	snap := m.snap.Load()
	h, ok := snap.handles[agentID]
	if !ok {
		return protocol.AgentResponse{}, zerr.NewAgent(agentID, "agent not found", string(protocol.EventGuardrailInspect))
	}
	ra := relevantAgent{id: agentID, handle: h, sem: snap.semaphores[agentID], failureMode: h.Config.FailureMode}

	o := m.callAgent(ctx, ra, protocol.EventGuardrailInspect, event, event.CorrelationID)
	if o.err != nil {
		return protocol.AgentResponse{}, zerr.NewAgent(agentID, o.err.Error(), string(protocol.EventGuardrailInspect))
	}
	return o.response, nil
}

// Metrics returns the manager's shared protocol metrics.
func (m *Manager) Metrics() *protocolmetrics.Metrics { return m.metrics }

// mergeResponses folds next into combined: the stronger decision wins,
// header ops and routing metadata accumulate, NeedsMore is sticky once
// set, and the last non-nil body/websocket mutation overrides any
// earlier one (mirrors the sequential chain's last-writer-wins for
// per-chunk mutations, since only one agent in a chain should mutate a
// given chunk in practice).
func mergeResponses(combined, next protocol.AgentResponse) protocol.AgentResponse {
	combined.Decision = protocol.Stronger(combined.Decision, next.Decision)
	combined.RequestHeaderOps = append(combined.RequestHeaderOps, next.RequestHeaderOps...)
	combined.ResponseHeaderOps = append(combined.ResponseHeaderOps, next.ResponseHeaderOps...)
	combined.NeedsMore = combined.NeedsMore || next.NeedsMore

	if next.RoutingMetadata != nil {
		if combined.RoutingMetadata == nil {
			combined.RoutingMetadata = map[string]string{}
		}
		for k, v := range next.RoutingMetadata {
			combined.RoutingMetadata[k] = v
		}
	}

	combined.Audit.Tags = append(combined.Audit.Tags, next.Audit.Tags...)
	combined.Audit.ReasonCodes = append(combined.Audit.ReasonCodes, next.Audit.ReasonCodes...)
	if next.Audit.RuleID != "" {
		combined.Audit.RuleID = next.Audit.RuleID
	}
	if next.Audit.Confidence != 0 {
		combined.Audit.Confidence = next.Audit.Confidence
	}

	if next.RequestBodyMutation != nil {
		combined.RequestBodyMutation = next.RequestBodyMutation
	}
	if next.ResponseBodyMutation != nil {
		combined.ResponseBodyMutation = next.ResponseBodyMutation
	}
	if next.WebSocketDecision != nil {
		combined.WebSocketDecision = next.WebSocketDecision
	}

	return combined
}
