package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Agent-side message types of the line-delimited JSON control protocol.
const (
	AgentMsgSystem         = "system"
	AgentMsgAssistant      = "assistant"
	AgentMsgStreamEvent    = "stream_event"
	AgentMsgResult         = "result"
	AgentMsgUser           = "user"
	AgentMsgKeepAlive      = "keep_alive"
	AgentMsgControlRequest = "control_request"
	AgentMsgControlResp    = "control_response"
	AgentMsgControlCancel  = "control_cancel_request"

	agentSubtypeInit      = "init"
	controlSubtypeSuccess = "success"
	controlSubtypeError   = "error"

	ControlCanUseTool        = "can_use_tool"
	ControlInterrupt         = "interrupt"
	ControlSetModel          = "set_model"
	ControlSetPermissionMode = "set_permission_mode"
)

// BrowserMessageType discriminates inbound browser messages.
type BrowserMessageType string

const (
	BrowserUserMessage          BrowserMessageType = "user_message"
	BrowserPermissionResponse   BrowserMessageType = "permission_response"
	BrowserViewerActionResponse BrowserMessageType = "viewer_action_response"
	BrowserAck                  BrowserMessageType = "ack"
	BrowserInterrupt            BrowserMessageType = "interrupt"
	BrowserSetModel             BrowserMessageType = "set_model"
	BrowserSetPermissionMode    BrowserMessageType = "set_permission_mode"
	BrowserPing                 BrowserMessageType = "ping"
)

// Outbound browser message types.
const (
	MsgSessionState        = "session_state"
	MsgReplayComplete      = "replay_complete"
	MsgAgentEvent          = "agent_event"
	MsgSessionStatus       = "session_status"
	MsgSessionUpdate       = "session_update"
	MsgPermissionRequest   = "permission_request"
	MsgPermissionResolved  = "permission_resolved"
	MsgPermissionCancelled = "permission_cancelled"
	MsgViewerActionRequest = "viewer_action_request"
	MsgControlError        = "control_error"
	MsgNotice              = "notice"
	MsgError               = "error"
	MsgPong                = "pong"
)

// agentEnvelope holds the routing fields of an agent line. Payload fields are
// left raw so unrelated message shapes never fail to decode.
type agentEnvelope struct {
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Model          string          `json:"model,omitempty"`
	PermissionMode string          `json:"permissionMode,omitempty"`
}

// controlRequest is sent in either direction to ask the peer for something.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   any    `json:"request"`
}

// controlResponse answers a controlRequest.
type controlResponse struct {
	Type     string                 `json:"type"`
	Response controlResponsePayload `json:"response"`
}

type controlResponsePayload struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// userMessage is a user turn forwarded to the agent.
type userMessage struct {
	Type            string          `json:"type"`
	Message         userMessageBody `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id"`
}

type userMessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// canUseToolRequest is the inner request of an agent permission prompt.
type canUseToolRequest struct {
	Subtype               string          `json:"subtype"`
	ToolName              string          `json:"tool_name"`
	Input                 json.RawMessage `json:"input"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	BlockedPath           string          `json:"blocked_path,omitempty"`
	DecisionReason        string          `json:"decision_reason,omitempty"`
}

// PermissionRequest is a pending tool-use approval surfaced to browsers.
type PermissionRequest struct {
	RequestID             string          `json:"request_id"`
	ToolName              string          `json:"tool_name"`
	Input                 json.RawMessage `json:"input,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	BlockedPath           string          `json:"blocked_path,omitempty"`
	DecisionReason        string          `json:"decision_reason,omitempty"`
	CreatedAt             int64           `json:"created_at"`
}

// permissionDecision is the control_response body the agent expects for
// can_use_tool.
type permissionDecision struct {
	Behavior           string          `json:"behavior"`
	UpdatedInput       json.RawMessage `json:"updatedInput,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// BrowserMessage is the inbound browser envelope. Type selects which of the
// remaining fields are meaningful.
type BrowserMessage struct {
	Type        BrowserMessageType `json:"type"`
	ClientMsgID string             `json:"client_msg_id,omitempty"`

	// user_message
	Content json.RawMessage `json:"content,omitempty"`

	// permission_response, viewer_action_response
	RequestID          string          `json:"request_id,omitempty"`
	Behavior           string          `json:"behavior,omitempty"`
	UpdatedInput       json.RawMessage `json:"updated_input,omitempty"`
	UpdatedPermissions json.RawMessage `json:"updated_permissions,omitempty"`
	Message            string          `json:"message,omitempty"`
	Result             json.RawMessage `json:"result,omitempty"`
	Error              string          `json:"error,omitempty"`

	// ack
	Seq uint64 `json:"seq,omitempty"`

	// set_model, set_permission_mode
	Model string `json:"model,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// ParseBrowserMessage decodes one browser frame.
func ParseBrowserMessage(data []byte) (BrowserMessage, error) {
	var msg BrowserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return BrowserMessage{}, fmt.Errorf("decode browser message: %w", err)
	}
	if msg.Type == "" {
		return BrowserMessage{}, fmt.Errorf("browser message has no type")
	}
	return msg, nil
}

// splitLines yields the non-empty lines of an agent frame.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

// marshalFrame renders a browser frame from a type and optional fields.
func marshalFrame(msgType string, fields map[string]any) []byte {
	msg := map[string]any{"type": msgType}
	for k, v := range fields {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return data
}

// marshalSequenced renders a frame carrying a sequence number.
func marshalSequenced(msgType string, seq uint64, fields map[string]any) []byte {
	msg := map[string]any{"type": msgType, "seq": seq}
	for k, v := range fields {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return data
}

// marshalLine renders v as one NDJSON line for the agent.
func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
