// Package fleet implements the registry operations on top of the store:
// metrics ingest, fleet queries, and the admin commands.
package fleet

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tphummel/fleetwatch/internal/liveness"
	"github.com/tphummel/fleetwatch/internal/models"
)

// Store is the subset of db.DB the service needs.
type Store interface {
	CreateServer(ctx context.Context, s *models.ServerRecord) error
	GetServer(ctx context.Context, id string) (*models.ServerRecord, error)
	ListServers(ctx context.Context) ([]*models.ServerRecord, error)
	UpdateTelemetry(ctx context.Context, id string, t models.Telemetry, at time.Time) (bool, error)
	UpdateOrder(ctx context.Context, id string, orderIndex int64) error
	SetOverride(ctx context.Context, id string, o models.Override) error
	DeleteServer(ctx context.Context, id string) error
}

// Service holds the dependencies shared by every fleet operation.
type Service struct {
	Store           Store
	LivenessTimeout time.Duration
	// Now is the server clock. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// New returns a Service using the wall clock and the default logger.
func New(store Store, livenessTimeout time.Duration) *Service {
	return &Service{
		Store:           store,
		LivenessTimeout: livenessTimeout,
		Now:             time.Now,
		Logger:          slog.Default(),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// List returns the fleet in display order with status evaluated at a single
// query instant. Stored fields are never modified.
func (s *Service) List(ctx context.Context) ([]*models.ServerRecord, error) {
	servers, err := s.Store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	now := s.now()
	for _, srv := range servers {
		liveness.Apply(now, srv, s.LivenessTimeout)
	}
	if servers == nil {
		servers = []*models.ServerRecord{}
	}
	return servers, nil
}

// Get returns one record with its current status.
func (s *Service) Get(ctx context.Context, id string) (*models.ServerRecord, error) {
	srv, err := s.Store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	liveness.Apply(s.now(), srv, s.LivenessTimeout)
	return srv, nil
}

// Stats counts the fleet by status and flags high resource usage.
func (s *Service) Stats(ctx context.Context) (models.FleetStats, error) {
	servers, err := s.List(ctx)
	if err != nil {
		return models.FleetStats{}, err
	}
	var st models.FleetStats
	for _, srv := range servers {
		st.Total++
		switch srv.Status {
		case models.StatusRunning:
			st.Running++
		case models.StatusStopped:
			st.Stopped++
		case models.StatusMaintenance:
			st.Maintenance++
		}
		if srv.CPUPct > models.HighUsagePct {
			st.HighCPU++
		}
		if srv.MemoryPct > models.HighUsagePct {
			st.HighMemory++
		}
	}
	return st, nil
}

// Clients returns the admin view of every registered name.
func (s *Service) Clients(ctx context.Context) ([]models.Client, error) {
	servers, err := s.Store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	clients := make([]models.Client, 0, len(servers))
	for _, srv := range servers {
		clients = append(clients, models.Client{ID: srv.ID, Name: srv.Name, CreatedAt: srv.CreatedAt})
	}
	return clients, nil
}

// Ingest validates and stores one agent report for id. The report is applied
// whole or not at all, and last_update is stamped with the server clock.
func (s *Service) Ingest(ctx context.Context, id, agentKey string, t models.Telemetry) error {
	srv, err := s.Store.GetServer(ctx, id)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(agentKey), []byte(srv.AgentKey)) != 1 {
		return fmt.Errorf("server %q: agent key: %w", id, models.ErrUnauthorized)
	}
	if err := t.Validate(); err != nil {
		s.logger().Warn("rejected metrics report", "id", id, "error", err)
		return err
	}
	if _, err := s.Store.UpdateTelemetry(ctx, id, t, s.now()); err != nil {
		return err
	}
	return nil
}

// CreateClient registers a new server under name with zero telemetry and a
// fresh agent key.
func (s *Service) CreateClient(ctx context.Context, name string) (*models.ServerRecord, error) {
	name, err := models.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	key, err := newAgentKey()
	if err != nil {
		return nil, fmt.Errorf("generate agent key: %w", err)
	}

	srv := &models.ServerRecord{
		ID:        uuid.New().String(),
		Name:      name,
		AgentKey:  key,
		CreatedAt: s.now(),
	}
	if err := s.Store.CreateServer(ctx, srv); err != nil {
		return nil, err
	}
	liveness.Apply(s.now(), srv, s.LivenessTimeout)
	s.logger().Info("client created", "id", srv.ID, "name", srv.Name)
	return srv, nil
}

// DeleteClient removes the record for id.
func (s *Service) DeleteClient(ctx context.Context, id string) error {
	if err := s.Store.DeleteServer(ctx, id); err != nil {
		return err
	}
	s.logger().Info("client deleted", "id", id)
	return nil
}

// SetOrder sets the display sort key. Any integer is accepted.
func (s *Service) SetOrder(ctx context.Context, id string, orderIndex int64) error {
	return s.Store.UpdateOrder(ctx, id, orderIndex)
}

// SetMaintenance sets or clears the maintenance override.
func (s *Service) SetMaintenance(ctx context.Context, id string, on bool) error {
	o := models.OverrideNone
	if on {
		o = models.OverrideMaintenance
	}
	if err := s.Store.SetOverride(ctx, id, o); err != nil {
		return err
	}
	s.logger().Info("maintenance override changed", "id", id, "maintenance", on)
	return nil
}

func newAgentKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
