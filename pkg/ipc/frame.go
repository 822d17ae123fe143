// Package ipc implements the frame protocol spoken between a node and the
// worker processes it spawns. Every message on the channel is a Frame of the
// shape {type, content}, written with a 4-byte big-endian length prefix.
package ipc

import (
	"encoding/json"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
)

// FrameType identifies the frame category.
type FrameType string

const (
	FrameID      FrameType = "id"      // child -> parent handshake
	FrameData    FrameType = "data"    // parent -> child job payload, child -> parent result
	FrameLog     FrameType = "log"     // child -> parent leveled log line
	FrameMetrics FrameType = "metrics" // request/response
	FrameTask    FrameType = "task"    // multiplexed request/response
	FrameError   FrameType = "error"   // child -> parent uncaught fault
	FrameKill    FrameType = "kill"    // child asks to be terminated
)

// CodecEnv is the environment variable telling a child which codec to speak.
const CodecEnv = "FLEETWORK_IPC_CODEC"

// Frame is the envelope of every message on the channel.
type Frame struct {
	Type    FrameType       `json:"type" msgpack:"type"`
	Content json.RawMessage `json:"content,omitempty" msgpack:"content,omitempty"`
}

// LogMessage is the content of a log frame.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// TaskMessage is the content of a task frame in both directions. Requests
// carry Name and Args, replies carry Result or Error.
type TaskMessage struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *fault.Detail   `json:"error,omitempty"`
}

// MetricsMessage is the content of a metrics frame. Requests carry a
// Description, replies carry Metrics.
type MetricsMessage struct {
	ID          string                 `json:"id"`
	Description map[string]interface{} `json:"description,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
}

// ErrorMessage is the content of an error frame. ID is set when the error
// belongs to a pending task.
type ErrorMessage struct {
	ID      string     `json:"id,omitempty"`
	Kind    fault.Kind `json:"kind,omitempty"`
	Message string     `json:"message"`
}

// NewFrame marshals content into a frame of the given type.
func NewFrame(t FrameType, content interface{}) (*Frame, error) {
	if content == nil {
		return &Frame{Type: t}, nil
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: t, Content: raw}, nil
}

// Decode unmarshals the frame content into v.
func (f *Frame) Decode(v interface{}) error {
	if len(f.Content) == 0 {
		return fault.Newf(fault.KindProtocol, "decode", "%s frame has no content", f.Type)
	}
	if err := json.Unmarshal(f.Content, v); err != nil {
		return fault.Wrap(fault.KindProtocol, "decode", err)
	}
	return nil
}
