package bus

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// Kind names a bus event. The set is closed: envelopes of any other kind are
// dropped on receipt.
type Kind string

const (
	KindNodeJoined    Kind = "node-joined"
	KindLeaderElected Kind = "leader-elected"
	KindJobKilled     Kind = "job-killed"
	KindReqMetrics    Kind = "req-metrics"
	KindRunTask       Kind = "run-task"
	KindReturnTask    Kind = "return-task"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindNodeJoined, KindLeaderElected, KindJobKilled, KindReqMetrics, KindRunTask, KindReturnTask,
}

// Payload is the typed body of one event kind.
type Payload interface {
	Kind() Kind
}

// NodeJoined announces a node for observability only.
type NodeJoined struct {
	NodeID types.NodeID `json:"node_id"`
}

// LeaderElected announces the node that just took the leadership lock.
type LeaderElected struct {
	NodeID types.NodeID `json:"node_id"`
}

// JobKilled asks every node to kill the process of a job.
type JobKilled struct {
	JobID types.JobID `json:"job_id"`
}

// ReqMetrics is both the leader's metrics request (Metrics is nil) and a
// node's reply (Metrics is non-nil, possibly empty).
type ReqMetrics struct {
	NodeID  types.NodeID           `json:"node_id"`
	Metrics []types.ProcessMetrics `json:"metrics"`
}

// IsRequest reports whether the event asks for metrics rather than carrying them.
func (r ReqMetrics) IsRequest() bool { return r.Metrics == nil }

// RunTask asks the node owning JobID to execute a task.
type RunTask struct {
	CorrelationID string          `json:"correlation_id"`
	JobID         types.JobID     `json:"job_id"`
	TaskName      string          `json:"task_name"`
	Args          json.RawMessage `json:"args,omitempty"`
	TimeoutMS     int64           `json:"timeout_ms"`
}

// Timeout returns the task deadline as a duration.
func (r RunTask) Timeout() time.Duration { return time.Duration(r.TimeoutMS) * time.Millisecond }

// ReturnTask answers a RunTask with the same correlation id.
type ReturnTask struct {
	CorrelationID string          `json:"correlation_id"`
	Error         *fault.Detail   `json:"error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

func (NodeJoined) Kind() Kind    { return KindNodeJoined }
func (LeaderElected) Kind() Kind { return KindLeaderElected }
func (JobKilled) Kind() Kind     { return KindJobKilled }
func (ReqMetrics) Kind() Kind    { return KindReqMetrics }
func (RunTask) Kind() Kind       { return KindRunTask }
func (ReturnTask) Kind() Kind    { return KindReturnTask }

// decoders maps each kind to its payload decoder.
var decoders = map[Kind]func(json.RawMessage) (Payload, error){
	KindNodeJoined:    decodeAs[NodeJoined],
	KindLeaderElected: decodeAs[LeaderElected],
	KindJobKilled:     decodeAs[JobKilled],
	KindReqMetrics:    decodeAs[ReqMetrics],
	KindRunTask:       decodeAs[RunTask],
	KindReturnTask:    decodeAs[ReturnTask],
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var p T
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Event is a received bus event.
type Event struct {
	Kind    Kind
	Origin  types.NodeID
	Payload Payload
}

// envelope is the wire form shared by every transport.
type envelope struct {
	Kind   Kind            `json:"kind"`
	Origin types.NodeID    `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

func encode(origin types.NodeID, p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: p.Kind(), Origin: origin, Data: data})
}

func decode(msg []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Event{}, fault.Wrap(fault.KindProtocol, "bus", err)
	}
	dec, ok := decoders[env.Kind]
	if !ok {
		return Event{}, fault.Newf(fault.KindProtocol, "bus", "unknown event kind %q", env.Kind)
	}
	p, err := dec(env.Data)
	if err != nil {
		return Event{}, fault.Wrap(fault.KindProtocol, "bus", err)
	}
	return Event{Kind: env.Kind, Origin: env.Origin, Payload: p}, nil
}
