package protocol

import "encoding/json"

// CONFIG_REQUEST (client -> server): empty body, server answers with the
// session parameters the client must obey.
type ConfigRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// CONFIG_RESPONSE (server -> client)
type ConfigResponseMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Heartbeat       HeartbeatConfig `json:"heartbeat"`
	SessionID       string          `json:"session_id,omitempty"`
	ExpiresAt       string          `json:"expires_at,omitempty"`
}

type HeartbeatConfig struct {
	IntervalMS int `json:"interval_ms"`
}

// HEARTBEAT (client -> server) / HEARTBEAT_ACK (server -> client): empty.
type HeartbeatMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

type HeartbeatAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// QUERY_REQUEST (client -> server): a named read query plus parameters.
type QueryRequestMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Query           string          `json:"query"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
}

// QUERY_RESPONSE (server -> client). ErrorMessage is null on success.
type QueryResponseMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    *string         `json:"errorMessage"`
}

// NOTIFICATION (server -> client): a captured tick and its change-set,
// delivered only for groups the session can read.
type NotificationMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Group           string          `json:"group"`
	TickID          string          `json:"tickId"`
	TickNumber      uint64          `json:"tickNumber"`
	ChangeSet       json.RawMessage `json:"changeSet,omitempty"`
}

// CONNECTION_ESTABLISHED (server -> client): sent once at handshake.
type ConnectionEstablishedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         string `json:"agentId"`
}

// ERROR (server -> client): non-fatal unless the connection is also closed.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message"`
}
