package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Status is the liveness state reported for a server. It is always derived
// at read time and never stored.
type Status string

const (
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusMaintenance Status = "maintenance"
)

// Override is the admin-controlled status override stored on a record.
// OverrideNone lets the recency of reports decide.
type Override string

const (
	OverrideNone        Override = ""
	OverrideMaintenance Override = "maintenance"
)

// MaxNameLength bounds client names so install commands stay readable.
const MaxNameLength = 64

// HighUsagePct is the threshold above which cpu or memory counts as high in
// fleet statistics.
const HighUsagePct = 80.0

// Telemetry is the full snapshot delivered by one agent report. Every
// accepted report replaces the stored snapshot as a whole.
type Telemetry struct {
	Type          string  `json:"type"`
	Location      string  `json:"location"`
	IPAddress     string  `json:"ip_address"`
	OSType        string  `json:"os_type"`
	CPUInfo       string  `json:"cpu_info"`
	UptimeSeconds int64   `json:"uptime"`
	NetworkInBps  float64 `json:"network_in"`
	NetworkOutBps float64 `json:"network_out"`
	CPUPct        float64 `json:"cpu"`
	MemoryPct     float64 `json:"memory"`
	DiskPct       float64 `json:"disk"`
	TotalMemoryGB float64 `json:"total_memory"`
	TotalDiskGB   float64 `json:"total_disk"`
}

// ServerRecord is one registered server in the fleet.
type ServerRecord struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	Override   Override   `json:"-"`
	OrderIndex int64      `json:"order_index"`
	LastUpdate *time.Time `json:"last_update"`
	CreatedAt  time.Time  `json:"created_at"`
	AgentKey   string     `json:"-"`
	Telemetry
}

// Validate checks the snapshot before it is stored. All numeric fields must
// be non-negative and percentages must lie in [0, 100].
func (t Telemetry) Validate() error {
	nonNegative := []struct {
		field string
		v     float64
	}{
		{"uptime", float64(t.UptimeSeconds)},
		{"network_in", t.NetworkInBps},
		{"network_out", t.NetworkOutBps},
		{"total_memory", t.TotalMemoryGB},
		{"total_disk", t.TotalDiskGB},
	}
	for _, f := range nonNegative {
		if f.v < 0 {
			return &InvalidMetricsError{Field: f.field, Reason: "must be non-negative"}
		}
	}

	pcts := []struct {
		field string
		v     float64
	}{
		{"cpu", t.CPUPct},
		{"memory", t.MemoryPct},
		{"disk", t.DiskPct},
	}
	for _, f := range pcts {
		if f.v < 0 || f.v > 100 {
			return &InvalidMetricsError{Field: f.field, Reason: "must be between 0 and 100"}
		}
	}
	return nil
}

// NormalizeName trims name and checks it is usable as a client name.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len([]rune(name)) > MaxNameLength {
		return "", fmt.Errorf("%w: name must be at most %d characters", ErrInvalidInput, MaxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: name must not contain control characters", ErrInvalidInput)
		}
	}
	return name, nil
}

// Client is the admin view of a registered record.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FleetStats summarises the fleet for the admin overview.
type FleetStats struct {
	Total       int `json:"total"`
	Running     int `json:"running"`
	Stopped     int `json:"stopped"`
	Maintenance int `json:"maintenance"`
	HighCPU     int `json:"high_cpu"`
	HighMemory  int `json:"high_memory"`
}
