// Package relay implements the persistent command channel between this
// agent and a relay endpoint: wire framing, command normalization, the
// connection supervisor (dial, heartbeat, reconnect backoff), and the
// command dispatcher that routes canonical commands to handlers.
//
// The relay multiplexes many agents over one endpoint, so inbound traffic
// is tolerated in several shapes (plain frames, JSON-RPC 2.0, tools/call)
// and frames addressed to other agents are filtered, not failed.
package relay

import (
	"encoding/json"
	"time"
)

// Outbound frame types.
const (
	FrameHello     = "hello"
	FrameAck       = "agent.ack"
	FrameResult    = "agent.result"
	FrameError     = "agent.error"
	FrameHeartbeat = "agent.heartbeat"
)

// TraceMeta correlates acks, results, and errors with their originating
// command. Both ids are length-capped on ingest.
type TraceMeta struct {
	RunID     string `json:"run_id"`
	CommandID string `json:"command_id"`
}

// HelloFrame declares the agent's identity and capabilities. Sent exactly
// once per successful connect.
type HelloFrame struct {
	Type             string   `json:"type"`
	AgentID          string   `json:"agent_id"`
	ExtensionVersion string   `json:"extension_version"`
	Capabilities     []string `json:"capabilities"`
	Timestamp        int64    `json:"timestamp"`
}

// AckFrame acknowledges receipt of a command before execution begins.
type AckFrame struct {
	Type        string `json:"type"`
	AgentID     string `json:"agent_id"`
	RunID       string `json:"run_id"`
	CommandID   string `json:"command_id"`
	CommandType string `json:"command_type"`
	Timestamp   int64  `json:"timestamp"`
}

// ResultFrame is the successful terminal frame for a command.
type ResultFrame struct {
	Type        string `json:"type"`
	AgentID     string `json:"agent_id"`
	RunID       string `json:"run_id"`
	CommandID   string `json:"command_id"`
	CommandType string `json:"command_type"`
	Success     bool   `json:"success"`
	Result      any    `json:"result,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorFrame is the failing terminal frame for a command. Retriable tells
// the relay whether resending the same command later can succeed.
type ErrorFrame struct {
	Type        string `json:"type"`
	AgentID     string `json:"agent_id"`
	RunID       string `json:"run_id"`
	CommandID   string `json:"command_id"`
	CommandType string `json:"command_type"`
	Error       string `json:"error"`
	Retriable   bool   `json:"retriable"`
	Timestamp   int64  `json:"timestamp"`
}

// HeartbeatFrame is the periodic keep-alive, also used to answer
// PING-family frames.
type HeartbeatFrame struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id"`
	Timestamp int64  `json:"timestamp"`
}

// rpcResponse is a JSON-RPC 2.0 response. Commands that arrive as JSON-RPC
// get no separate ack, only this terminal frame, correlated by id.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes used on the wire.
const (
	rpcCodeMethodNotFound = -32601
	rpcCodeInternal       = -32603
)

// Codec builds outbound frames for one agent identity. All frames carry a
// millisecond Unix timestamp from the injected clock.
type Codec struct {
	AgentID string
	Version string
	Now     func() time.Time
}

func (c *Codec) now() int64 {
	if c.Now != nil {
		return c.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// Hello encodes the capability declaration frame.
func (c *Codec) Hello(capabilities []string) ([]byte, error) {
	return json.Marshal(HelloFrame{
		Type:             FrameHello,
		AgentID:          c.AgentID,
		ExtensionVersion: c.Version,
		Capabilities:     capabilities,
		Timestamp:        c.now(),
	})
}

// Ack encodes the receipt acknowledgement for a command.
func (c *Codec) Ack(trace TraceMeta, commandType string) ([]byte, error) {
	return json.Marshal(AckFrame{
		Type:        FrameAck,
		AgentID:     c.AgentID,
		RunID:       trace.RunID,
		CommandID:   trace.CommandID,
		CommandType: commandType,
		Timestamp:   c.now(),
	})
}

// Result encodes the successful terminal frame for a command.
func (c *Codec) Result(trace TraceMeta, commandType string, result any) ([]byte, error) {
	return json.Marshal(ResultFrame{
		Type:        FrameResult,
		AgentID:     c.AgentID,
		RunID:       trace.RunID,
		CommandID:   trace.CommandID,
		CommandType: commandType,
		Success:     true,
		Result:      result,
		Timestamp:   c.now(),
	})
}

// Error encodes the failing terminal frame for a command.
func (c *Codec) Error(trace TraceMeta, commandType, msg string, retriable bool) ([]byte, error) {
	return json.Marshal(ErrorFrame{
		Type:        FrameError,
		AgentID:     c.AgentID,
		RunID:       trace.RunID,
		CommandID:   trace.CommandID,
		CommandType: commandType,
		Error:       msg,
		Retriable:   retriable,
		Timestamp:   c.now(),
	})
}

// Heartbeat encodes the keep-alive frame.
func (c *Codec) Heartbeat() ([]byte, error) {
	return json.Marshal(HeartbeatFrame{
		Type:      FrameHeartbeat,
		AgentID:   c.AgentID,
		Timestamp: c.now(),
	})
}

// RPCResult encodes a JSON-RPC terminal result correlated by id.
func (c *Codec) RPCResult(id json.RawMessage, result any) ([]byte, error) {
	return json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// RPCError encodes a JSON-RPC terminal error correlated by id.
func (c *Codec) RPCError(id json.RawMessage, code int, msg string) ([]byte, error) {
	return json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}
