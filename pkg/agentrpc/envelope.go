package agentrpc

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
)

// RequestEnvelope is the wire format for one agent invocation.
type RequestEnvelope struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ResponseEnvelope is the wire format for one agent response. Exactly
// one of Result and Error is set.
type ResponseEnvelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AgentError     `json:"error,omitempty"`
}

// AgentError is the error variant reported by the registry or the tool
// itself.
type AgentError struct {
	StatusCode int    `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *AgentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent error %d: %s", e.StatusCode, e.Message)
	}
	return "agent error: " + e.Message
}

// CostInfo carries the usage counts a tool reported for one call.
type CostInfo struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AmountUSD    float64 `json:"amount"`
}

// ToolResult is the decoded payload of a successful invocation.
type ToolResult struct {
	Data map[string]any
	Cost *CostInfo
}

// resultBody mirrors the inner result object of a response envelope.
type resultBody struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error,omitempty"`
	Cost    *CostInfo       `json:"cost,omitempty"`
}

// DecodeResult unwraps a response result payload to the innermost
// result object. Some agent implementations wrap the body in an extra
// {success, result} level; the shape is detected rather than assumed,
// so both single- and double-nested envelopes decode to the same data.
func DecodeResult(raw json.RawMessage) (*ToolResult, error) {
	var body resultBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, eris.Wrap(err, "agentrpc: decode result body")
	}

	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return nil, &AgentError{Message: msg}
	}

	cost := body.Cost
	inner := body.Result

	// Compatibility unwrap: peel nested {success, result} wrappers,
	// keeping the innermost cost we see.
	for {
		var nested resultBody
		if err := json.Unmarshal(inner, &nested); err != nil || nested.Result == nil {
			break
		}
		if !looksLikeWrapper(inner) {
			break
		}
		if !nested.Success {
			msg := nested.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			return nil, &AgentError{Message: msg}
		}
		if nested.Cost != nil {
			cost = nested.Cost
		}
		inner = nested.Result
	}

	var data map[string]any
	if len(inner) > 0 {
		if err := json.Unmarshal(inner, &data); err != nil {
			return nil, eris.Wrap(err, "agentrpc: decode inner result")
		}
	}

	return &ToolResult{Data: data, Cost: cost}, nil
}

// looksLikeWrapper reports whether raw is an object carrying both a
// "success" bool and a "result" key, i.e. a response wrapper rather
// than real tool output that happens to unmarshal into resultBody.
func looksLikeWrapper(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	s, hasSuccess := probe["success"]
	_, hasResult := probe["result"]
	if !hasSuccess || !hasResult {
		return false
	}
	var b bool
	return json.Unmarshal(s, &b) == nil
}
