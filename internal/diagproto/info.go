package diagproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessInfoPayload is the JSON body of a ProcessInfo response.
type ProcessInfoPayload struct {
	PID        uint64    `json:"pid"`
	Cookie     string    `json:"cookie"`
	Executable string    `json:"executable"`
	Args       []string  `json:"args"`
	Ports      []string  `json:"ports"`
	StartedAt  time.Time `json:"started_at"`
	RunID      string    `json:"run_id,omitempty"`
}

// EncodeInfo wraps p in a ServerOK response.
func EncodeInfo(p ProcessInfoPayload) (Message, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Message{}, fmt.Errorf("diagproto: encode process info: %w", err)
	}
	if len(body) > MaxPayload {
		return Message{}, fmt.Errorf("diagproto: process info of %d bytes exceeds %d", len(body), MaxPayload)
	}
	return OK(body), nil
}

// DecodeInfo parses a ProcessInfo response.
func DecodeInfo(m Message) (ProcessInfoPayload, error) {
	if code, ok := ErrorCode(m); ok {
		return ProcessInfoPayload{}, fmt.Errorf("diagproto: server error 0x%08x", code)
	}
	if m.Set != SetServer || m.ID != ServerOK {
		return ProcessInfoPayload{}, fmt.Errorf("diagproto: unexpected response %s", m.Command())
	}
	var p ProcessInfoPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ProcessInfoPayload{}, fmt.Errorf("diagproto: decode process info: %w", err)
	}
	return p, nil
}
