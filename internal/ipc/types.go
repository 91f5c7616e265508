package ipc

import (
	"diagport/internal/daemon"
	"diagport/internal/journal"
	"diagport/internal/streamfactory"
)

// StopRequest asks the daemon to close every port and exit.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse carries the daemon status snapshot.
type StatusResponse struct {
	daemon.Status
}

// PortsRequest lists registered diagnostic ports.
type PortsRequest struct{}

// PortsResponse contains one entry per registered port.
type PortsResponse struct {
	Ports []streamfactory.PortInfo `json:"ports"`
}

// SessionsRequest lists journal entries, newest first.
type SessionsRequest struct {
	Limit int `json:"limit"`
}

// SessionsResponse contains journal entries.
type SessionsResponse struct {
	Sessions []journal.Session `json:"sessions"`
}

// LogTailRequest describes a log tail fetch.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
