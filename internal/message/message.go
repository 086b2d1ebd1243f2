// Package message defines the wire envelope exchanged between the
// coordinator and device agents, and the dispatch table that routes
// inbound envelopes to handlers. The envelope is transport-agnostic:
// both the socket and the broker channels carry the same JSON.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeConnect       Type = "connect"
	TypeStatus        Type = "status"
	TypeMetrics       Type = "metrics"
	TypeLog           Type = "log"
	TypeError         Type = "error"
	TypeJobComplete   Type = "job_complete"
	TypeJobStatus     Type = "job_status"
	TypeConfigRequest Type = "config_request"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeCommand       Type = "command"
	TypeConfigUpdate  Type = "config_update"
	TypePrintJob      Type = "print_job"
	TypeUnknown       Type = ""
)

var knownTypes = map[Type]bool{
	TypeConnect: true, TypeStatus: true, TypeMetrics: true, TypeLog: true,
	TypeError: true, TypeJobComplete: true, TypeJobStatus: true,
	TypeConfigRequest: true, TypePing: true, TypePong: true,
	TypeCommand: true, TypeConfigUpdate: true, TypePrintJob: true,
}

// ParseType maps a wire string to a recognized Type, or TypeUnknown.
func ParseType(s string) Type {
	t := Type(s)
	if knownTypes[t] {
		return t
	}
	return TypeUnknown
}

// Envelope is the message frame used on every transport.
type Envelope struct {
	Type      Type            `json:"type"`
	DeviceID  string          `json:"deviceId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an envelope with the payload marshalled into Data.
func New(t Type, deviceID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, DeviceID: deviceID, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope's Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope has no data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Payload shapes shared by both sides.

type ConnectData struct {
	Token string `json:"token"`
}

type JobResultData struct {
	JobID     string `json:"job_id"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

type JobStatusData struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type PrintJobData struct {
	JobID      string `json:"job_id"`
	Content    string `json:"content"`
	ContentURL string `json:"content_url,omitempty"`
	Priority   int    `json:"priority"`
}

type CommandData struct {
	Command string `json:"command"`
	JobID   string `json:"job_id,omitempty"`
}

type MetricsData struct {
	QueueDepth    int     `json:"queue_depth"`
	Completed     uint64  `json:"completed"`
	Failed        uint64  `json:"failed"`
	Goroutines    int     `json:"goroutines"`
	MemAllocBytes uint64  `json:"mem_alloc_bytes"`
	CPUs          int     `json:"cpus"`
	LoadHint      float64 `json:"load_hint,omitempty"`
}

type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type StatusData struct {
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	OutOfMedia bool   `json:"out_of_media,omitempty"`
}
