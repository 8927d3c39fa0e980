package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tphummel/fleetwatch/internal/models"
)

// Lister is the subset of db.DB the sweeper reads from.
type Lister interface {
	ListServers(ctx context.Context) ([]*models.ServerRecord, error)
}

// Transition records a status change observed between two sweeps.
type Transition struct {
	ID   string
	Name string
	From models.Status
	To   models.Status
}

// Sweeper periodically evaluates every record with Evaluate and reports
// status changes. It never writes to the store; Fleet Query computes the same
// status independently at read time.
type Sweeper struct {
	Store   Lister
	Timeout time.Duration
	Logger  *slog.Logger
	// OnTransition, if set, is called for every observed change.
	OnTransition func(Transition)

	mu   sync.Mutex
	last map[string]models.Status
}

// Sweep evaluates the fleet as of now and returns the changes since the
// previous sweep. Records seen for the first time are not reported as changes.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) ([]Transition, error) {
	servers, err := s.Store.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]models.Status, len(servers))
	var changes []Transition
	for _, srv := range servers {
		status := Evaluate(now, srv.LastUpdate, srv.Override, s.Timeout)
		next[srv.ID] = status
		prev, seen := s.last[srv.ID]
		if seen && prev != status {
			changes = append(changes, Transition{ID: srv.ID, Name: srv.Name, From: prev, To: status})
		}
	}
	s.last = next

	for _, c := range changes {
		s.logger().Info("server status changed",
			"id", c.ID, "name", c.Name, "from", string(c.From), "to", string(c.To))
		if s.OnTransition != nil {
			s.OnTransition(c)
		}
	}
	return changes, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil && ctx.Err() == nil {
				s.logger().Error("liveness sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
