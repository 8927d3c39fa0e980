package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/fleetwatch/internal/models"
)

const serverColumns = `id, name, agent_key, override, order_index,
	type, location, ip_address, os_type, cpu_info,
	uptime, network_in, network_out, cpu, memory, disk, total_memory, total_disk,
	last_update, created_at`

// CreateServer inserts a new record with zero telemetry. It returns
// models.ErrConflict if the name or id is already registered.
func (d *DB) CreateServer(ctx context.Context, s *models.ServerRecord) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO servers (id, name, agent_key, override, order_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.AgentKey, string(s.Override), s.OrderIndex, formatTime(s.CreatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("server %q: %w", s.Name, models.ErrConflict)
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// GetServer returns the record with the given id, or models.ErrNotFound.
func (d *DB) GetServer(ctx context.Context, id string) (*models.ServerRecord, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %q: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s, nil
}

// ListServers returns every record ordered by order_index descending, ties
// broken by creation order.
func (d *DB) ListServers(ctx context.Context) ([]*models.ServerRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+serverColumns+` FROM servers
		ORDER BY order_index DESC, seq ASC`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var servers []*models.ServerRecord
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return servers, nil
}

// UpdateTelemetry replaces the whole telemetry snapshot of id and stamps
// last_update with at, in a single statement. A snapshot stamped earlier than
// the one already stored is discarded and applied is false.
// Returns models.ErrNotFound if id is not registered.
func (d *DB) UpdateTelemetry(ctx context.Context, id string, t models.Telemetry, at time.Time) (applied bool, err error) {
	stamp := formatTime(at)
	res, err := d.conn.ExecContext(ctx, `
		UPDATE servers
		SET type=?, location=?, ip_address=?, os_type=?, cpu_info=?,
		    uptime=?, network_in=?, network_out=?, cpu=?, memory=?, disk=?,
		    total_memory=?, total_disk=?, last_update=?
		WHERE id=? AND (last_update IS NULL OR last_update <= ?)`,
		t.Type, t.Location, t.IPAddress, t.OSType, t.CPUInfo,
		t.UptimeSeconds, t.NetworkInBps, t.NetworkOutBps, t.CPUPct, t.MemoryPct, t.DiskPct,
		t.TotalMemoryGB, t.TotalDiskGB, stamp,
		id, stamp,
	)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	if n == 1 {
		return true, nil
	}
	if err := d.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// UpdateOrder sets order_index only. Returns models.ErrNotFound if id is absent.
func (d *DB) UpdateOrder(ctx context.Context, id string, orderIndex int64) error {
	return d.execOne(ctx, id, `UPDATE servers SET order_index=? WHERE id=?`, orderIndex, id)
}

// SetOverride stores the admin status override for id.
func (d *DB) SetOverride(ctx context.Context, id string, o models.Override) error {
	return d.execOne(ctx, id, `UPDATE servers SET override=? WHERE id=?`, string(o), id)
}

// DeleteServer removes the record. A repeated delete returns models.ErrNotFound.
func (d *DB) DeleteServer(ctx context.Context, id string) error {
	return d.execOne(ctx, id, `DELETE FROM servers WHERE id = ?`, id)
}

// execOne runs a statement expected to touch exactly the row for id.
func (d *DB) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return fmt.Errorf("server %q: %w", id, models.ErrNotFound)
	}
	return nil
}

func (d *DB) exists(ctx context.Context, id string) error {
	var one int
	err := d.conn.QueryRowContext(ctx, `SELECT 1 FROM servers WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("server %q: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanServer(sc scanner) (*models.ServerRecord, error) {
	var s models.ServerRecord
	var override, createdAt string
	var lastUpdate sql.NullString
	if err := sc.Scan(
		&s.ID, &s.Name, &s.AgentKey, &override, &s.OrderIndex,
		&s.Type, &s.Location, &s.IPAddress, &s.OSType, &s.CPUInfo,
		&s.UptimeSeconds, &s.NetworkInBps, &s.NetworkOutBps,
		&s.CPUPct, &s.MemoryPct, &s.DiskPct, &s.TotalMemoryGB, &s.TotalDiskGB,
		&lastUpdate, &createdAt,
	); err != nil {
		return nil, err
	}
	s.Override = models.Override(override)

	var err error
	s.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if lastUpdate.Valid {
		t, err := parseTime(lastUpdate.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_update %q: %w", lastUpdate.String, err)
		}
		s.LastUpdate = &t
	}
	return &s, nil
}
