// Package activity defines the normalized endpoint activity model shared by
// the agent and the central service.
package activity

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies an activity. The set is closed; ingest rejects anything else.
type Kind string

const (
	KindLogon      Kind = "logon"
	KindFileAccess Kind = "file_access"
	KindEmail      Kind = "email"
	KindProcess    Kind = "process"
	KindNetwork    Kind = "network"
)

// ParseKind validates a wire-level activity_type string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLogon, KindFileAccess, KindEmail, KindProcess, KindNetwork:
		return Kind(s), nil
	}
	return "", fmt.Errorf("activity: unknown kind %q", s)
}

// FileAction is the action recorded on file_access events.
type FileAction string

const (
	ActionRead   FileAction = "read"
	ActionWrite  FileAction = "write"
	ActionDelete FileAction = "delete"
)

// Details is the kind-specific payload of an activity. It is a flat bag with
// defaulted zero values so partially populated events from older agents or
// synthetic sources degrade gracefully instead of failing decode.
type Details struct {
	// file_access
	FilePath  string     `json:"file_path,omitempty"`
	Action    FileAction `json:"action,omitempty"`
	SizeMB    float64    `json:"size_mb,omitempty"`
	Sensitive bool       `json:"sensitive,omitempty"`

	// email
	Recipient          string  `json:"recipient,omitempty"`
	External           bool    `json:"external,omitempty"`
	AttachmentSizeMB   float64 `json:"attachment_size_mb,omitempty"`
	SuspiciousKeywords int     `json:"suspicious_keywords,omitempty"`

	// process
	ProcessName string `json:"process_name,omitempty"`
	PID         int32  `json:"pid,omitempty"`
	Suspicious  bool   `json:"suspicious,omitempty"`

	// network
	DataSentMB          float64 `json:"data_sent_mb,omitempty"`
	ExternalConnections int     `json:"external_connections,omitempty"`
	SuspiciousPorts     []int   `json:"suspicious_ports,omitempty"`
	RemoteIP            string  `json:"remote_ip,omitempty"`

	// logon
	NewLogin    bool `json:"new_login,omitempty"`
	Heartbeat   bool `json:"heartbeat,omitempty"`
	GeoAnomaly  bool `json:"geo_anomaly,omitempty"`
	SessionSecs int  `json:"session_secs,omitempty"`

	// agent enrichment, present on every kind
	DeviceID     string `json:"device_id,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	ActivityHour *int   `json:"activity_hour,omitempty"`
	OffHours     bool   `json:"off_hours,omitempty"`
}

// Activity is one observed endpoint event.
type Activity struct {
	ID        int64     `json:"id,omitempty"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"activity_type"`
	Details   Details   `json:"details"`
}

// Hour returns the local hour the event happened at. The agent tags each
// event with its local hour; when the tag is missing the stored timestamp's
// hour is used instead.
func (a Activity) Hour() int {
	if a.Details.ActivityHour != nil {
		return *a.Details.ActivityHour
	}
	return a.Timestamp.Hour()
}

// OffHours reports whether an hour of day falls outside the 07:00-18:59
// working window.
func OffHours(hour int) bool {
	return hour < 7 || hour >= 19
}

// HourPtr is a convenience for populating Details.ActivityHour.
func HourPtr(h int) *int { return &h }

// suspiciousProcessKeywords flag tooling commonly involved in exfiltration
// or lateral movement.
var suspiciousProcessKeywords = []string{
	"tor", "vpn", "remote", "ssh", "ftp", "sftp", "scp",
	"wireshark", "nmap", "metasploit", "burp", "sqlmap",
}

// SuspiciousProcessName reports whether a process name matches the known
// keyword set. Matching is case-insensitive substring.
func SuspiciousProcessName(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range suspiciousProcessKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
