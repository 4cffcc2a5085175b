// Package guardrail layers semantic content inspection on top of the
// agent subsystem: a prompt-injection check on inference request bodies
// and a PII check on inference response bodies, each dispatched to a
// single named agent through agentmanager.Manager.CallGuardrailAgent.
// The prompt-injection check resolves agent failures by its config's
// Open/Closed failure mode; the PII check reports an Error outcome on
// agent failure and does not consult its config's failure mode.
package guardrail

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/zentinelproxy/zentinel/agentmanager"
	"github.com/zentinelproxy/zentinel/config"
	"github.com/zentinelproxy/zentinel/protocol"
	"github.com/zentinelproxy/zentinel/zerr"
)

// PromptInjectionOutcome is what a prompt-injection check decided.
type PromptInjectionOutcome string

const (
	PromptInjectionClean    PromptInjectionOutcome = "clean"
	PromptInjectionBlocked  PromptInjectionOutcome = "blocked"
	PromptInjectionDetected PromptInjectionOutcome = "detected"
	PromptInjectionWarning  PromptInjectionOutcome = "warning"
	PromptInjectionError    PromptInjectionOutcome = "error"
)

// PromptInjectionResult is the outcome of CheckPromptInjection.
type PromptInjectionResult struct {
	Outcome    PromptInjectionOutcome
	Status     int
	Message    string
	Detections []protocol.GuardrailDetection
}

// Blocked reports whether the request should be rejected.
func (r PromptInjectionResult) Blocked() bool { return r.Outcome == PromptInjectionBlocked }

// PiiOutcome is what a PII check decided.
type PiiOutcome string

const (
	PiiClean    PiiOutcome = "clean"
	PiiDetected PiiOutcome = "detected"
	PiiError    PiiOutcome = "error"
)

// PiiCheckResult is the outcome of CheckPII.
type PiiCheckResult struct {
	Outcome         PiiOutcome
	Detections      []protocol.GuardrailDetection
	RedactedContent string
	Message         string
}

// Processor inspects request and response content through agents.
type Processor struct {
	manager *agentmanager.Manager
}

// New returns a Processor dispatching through manager.
func New(manager *agentmanager.Manager) *Processor {
	return &Processor{manager: manager}
}

// CheckPromptInjection inspects content for prompt injection using the
// agent named in cfg. A disabled config always returns Clean without a
// call. An agent error or timeout is resolved by cfg.FailureMode: Open
// returns Clean, Closed synthesizes a Blocked result (504 on timeout,
// 503 otherwise).
func (p *Processor) CheckPromptInjection(ctx context.Context, cfg config.PromptInjectionConfig, content, model, routeID, correlationID string) PromptInjectionResult {
	if !cfg.Enabled {
		return PromptInjectionResult{Outcome: PromptInjectionClean}
	}

	event := protocol.GuardrailInspectEvent{
		CorrelationID:  correlationID,
		InspectionType: protocol.InspectionPromptInjection,
		Content:        content,
		Model:          model,
		RouteID:        routeID,
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	resp, err := p.manager.CallGuardrailAgent(callCtx, cfg.Agent, event)
	if err != nil {
		return p.promptInjectionFailure(cfg, errors.Is(callCtx.Err(), context.DeadlineExceeded))
	}

	gr, err := decodeGuardrailResponse(resp)
	if err != nil {
		return p.promptInjectionFailure(cfg, false)
	}
	if !gr.Detected {
		return PromptInjectionResult{Outcome: PromptInjectionClean}
	}

	switch cfg.Action {
	case config.GuardrailBlock:
		msg := cfg.BlockMessage
		if msg == "" {
			msg = "Request blocked: potential prompt injection detected"
		}
		status := cfg.BlockStatus
		if status == 0 {
			status = 403
		}
		return PromptInjectionResult{Outcome: PromptInjectionBlocked, Status: status, Message: msg, Detections: gr.Detections}
	case config.GuardrailWarn:
		return PromptInjectionResult{Outcome: PromptInjectionWarning, Detections: gr.Detections}
	default:
		return PromptInjectionResult{Outcome: PromptInjectionDetected, Detections: gr.Detections}
	}
}

func (p *Processor) promptInjectionFailure(cfg config.PromptInjectionConfig, timedOut bool) PromptInjectionResult {
	if cfg.FailureMode == config.FailOpen {
		return PromptInjectionResult{Outcome: PromptInjectionClean}
	}
	if timedOut {
		return PromptInjectionResult{Outcome: PromptInjectionBlocked, Status: 504, Message: "Guardrail check timed out"}
	}
	return PromptInjectionResult{Outcome: PromptInjectionBlocked, Status: 503, Message: "Guardrail check unavailable"}
}

// CheckPII inspects content for PII using the agent named in cfg. A
// disabled config always returns Clean without a call. Unlike
// CheckPromptInjection, an agent failure here never blocks the
// response on its own — it reports Error and leaves the decision to
// the caller, since PII checks run after the upstream has already
// answered.
func (p *Processor) CheckPII(ctx context.Context, cfg config.PiiDetectionConfig, content, routeID, correlationID string) PiiCheckResult {
	if !cfg.Enabled {
		return PiiCheckResult{Outcome: PiiClean}
	}

	event := protocol.GuardrailInspectEvent{
		CorrelationID:  correlationID,
		InspectionType: protocol.InspectionPIIDetection,
		Content:        content,
		Categories:     cfg.Categories,
		RouteID:        routeID,
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	resp, err := p.manager.CallGuardrailAgent(callCtx, cfg.Agent, event)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return PiiCheckResult{Outcome: PiiError, Message: "agent timeout"}
		}
		return PiiCheckResult{Outcome: PiiError, Message: err.Error()}
	}

	gr, err := decodeGuardrailResponse(resp)
	if err != nil {
		return PiiCheckResult{Outcome: PiiError, Message: err.Error()}
	}
	if !gr.Detected {
		return PiiCheckResult{Outcome: PiiClean}
	}
	return PiiCheckResult{Outcome: PiiDetected, Detections: gr.Detections, RedactedContent: gr.RedactedContent}
}

// decodeGuardrailResponse pulls the protocol.GuardrailResponse payload
// a guardrail agent attaches to AgentResponse.Audit.Extra["guardrail"].
// The generic wire envelope only has one AgentResponse decode path, so
// guardrail-specific fields ride inside the free-form Extra map rather
// than as a dedicated message type; a JSON round trip recovers the
// typed struct whether Extra arrived over the wire (as
// map[string]any) or was set directly by an in-process caller.
func decodeGuardrailResponse(resp protocol.AgentResponse) (protocol.GuardrailResponse, error) {
	raw, ok := resp.Audit.Extra["guardrail"]
	if !ok {
		return protocol.GuardrailResponse{}, zerr.New(zerr.InvalidMessage, "agent response missing guardrail payload")
	}
	if gr, ok := raw.(protocol.GuardrailResponse); ok {
		return gr, nil
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return protocol.GuardrailResponse{}, zerr.Wrap(zerr.Serialization, "marshal guardrail payload", err)
	}
	var gr protocol.GuardrailResponse
	if err := json.Unmarshal(buf, &gr); err != nil {
		return protocol.GuardrailResponse{}, zerr.Wrap(zerr.Serialization, "decode guardrail payload", err)
	}
	return gr, nil
}
