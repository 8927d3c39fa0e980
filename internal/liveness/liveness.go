// Package liveness derives a server's status from the recency of its last
// report and the admin override.
package liveness

import (
	"time"

	"github.com/tphummel/fleetwatch/internal/models"
)

// Evaluate returns the status of a server at now. Maintenance takes precedence
// over everything; otherwise a server whose last report is older than timeout,
// or that has never reported, is stopped.
func Evaluate(now time.Time, lastUpdate *time.Time, override models.Override, timeout time.Duration) models.Status {
	if override == models.OverrideMaintenance {
		return models.StatusMaintenance
	}
	if lastUpdate == nil || now.Sub(*lastUpdate) > timeout {
		return models.StatusStopped
	}
	return models.StatusRunning
}

// Apply sets s.Status as of now.
func Apply(now time.Time, s *models.ServerRecord, timeout time.Duration) {
	s.Status = Evaluate(now, s.LastUpdate, s.Override, timeout)
}
