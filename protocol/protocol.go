// Package protocol defines the text wire protocol spoken over the
// WebSocket. The field names (type, headers, content, topic, filter,
// status, message) and the uppercase type values are the compatibility
// surface consumed by existing clients and must not change.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandType is the kind of an inbound command.
type CommandType string

const (
	CommandPublish   CommandType = "PUBLISH"
	CommandSubscribe CommandType = "SUBSCRIBE"
	CommandHeartbeat CommandType = "HEARTBEAT"
)

// Command is one inbound client frame.
type Command struct {
	Type    CommandType       `json:"type"`
	Headers map[string]string `json:"headers"`
	Content map[string]any    `json:"content"`
}

// Topic returns the topic header, or "" when absent.
func (c *Command) Topic() string {
	return c.Headers["topic"]
}

// Filter extracts the optional subscription filter from the command
// content. A missing or non-object filter yields nil.
func (c *Command) Filter() map[string]any {
	if c.Content == nil {
		return nil
	}
	f, _ := c.Content["filter"].(map[string]any)
	return f
}

// DecodeCommand parses one inbound text frame.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("protocol: malformed command: %w", err)
	}
	return cmd, nil
}

// MessageType is the kind of an outbound frame.
type MessageType string

const (
	MessageResponse  MessageType = "RESPONSE"
	MessageMessage   MessageType = "MESSAGE"
	MessageHeartbeat MessageType = "HEARTBEAT"
)

// Response statuses.
const (
	StatusSuccess      = "success"
	StatusUnsuccessful = "unsuccessful"
)

// Client-visible error messages.
const (
	ErrInvalidBody        = "invalid message body"
	ErrUnsupportedCommand = "unsupported command"
	ErrRateLimited        = "rate limit exceeded"
	ErrPublishFailed      = "publish failed"
)

// Message is one outbound frame. Content stays present (as null) even when
// empty; heartbeat replies carry an explicit "content": null.
type Message struct {
	Type    MessageType       `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
	Content map[string]any    `json:"content"`
}

// Encode serializes the frame for the transport.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ConnectedResponse is the banner sent on connection establishment.
func ConnectedResponse() Message {
	return Message{
		Type: MessageResponse,
		Content: map[string]any{
			"status": StatusSuccess,
			"scope":  "publish | subscribe",
		},
	}
}

// SuccessResponse acknowledges a handled command.
func SuccessResponse() Message {
	return Message{
		Type:    MessageResponse,
		Content: map[string]any{"status": StatusSuccess},
	}
}

// ErrorResponse reports a protocol-level failure. Errors are always frames,
// never transport-level failures.
func ErrorResponse(reason string) Message {
	return Message{
		Type: MessageResponse,
		Content: map[string]any{
			"status":  StatusUnsuccessful,
			"message": reason,
		},
	}
}

// EventMessage wraps a delivered payload.
func EventMessage(payload map[string]any) Message {
	return Message{Type: MessageMessage, Content: payload}
}

// HeartbeatMessage is the reply to a HEARTBEAT command.
func HeartbeatMessage() Message {
	return Message{Type: MessageHeartbeat, Content: nil}
}
