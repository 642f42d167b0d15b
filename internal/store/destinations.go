package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDestinationNotFound is returned when an operation names an
// unregistered destination.
var ErrDestinationNotFound = errors.New("destination not registered")

// Destination is one registered downstream channel.
type Destination struct {
	ID         int64
	Title      string
	HighOffset float64
	LowOffset  float64
}

// RegisterDestination inserts a destination. Registering an already
// registered id is a no-op (idempotent via ON CONFLICT); existing
// offsets are never clobbered by re-registration.
func (s *Store) RegisterDestination(ctx context.Context, d Destination) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO destinations (id, title, high_offset, low_offset)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, d.ID, d.Title, d.HighOffset, d.LowOffset)
	if err != nil {
		return fmt.Errorf("register destination %d: %w", d.ID, err)
	}
	return nil
}

// SetHighOffset updates the high offset of a registered destination.
func (s *Store) SetHighOffset(ctx context.Context, id int64, v float64) error {
	return s.setOffset(ctx, id, "high_offset", v)
}

// SetLowOffset updates the low offset of a registered destination.
func (s *Store) SetLowOffset(ctx context.Context, id int64, v float64) error {
	return s.setOffset(ctx, id, "low_offset", v)
}

func (s *Store) setOffset(ctx context.Context, id int64, column string, v float64) error {
	// column is one of two compile-time constants, never user input.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE destinations SET %s = ? WHERE id = ?", column), v, id)
	if err != nil {
		return fmt.Errorf("set %s for destination %d: %w", column, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set %s for destination %d: %w", column, id, err)
	}
	if n == 0 {
		return fmt.Errorf("set %s for destination %d: %w", column, id, ErrDestinationNotFound)
	}
	return nil
}

// Destination returns one registered destination by id.
func (s *Store) Destination(ctx context.Context, id int64) (Destination, error) {
	var d Destination
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, high_offset, low_offset
		FROM destinations WHERE id = ?
	`, id).Scan(&d.ID, &d.Title, &d.HighOffset, &d.LowOffset)
	if errors.Is(err, sql.ErrNoRows) {
		return Destination{}, fmt.Errorf("destination %d: %w", id, ErrDestinationNotFound)
	}
	if err != nil {
		return Destination{}, fmt.Errorf("read destination %d: %w", id, err)
	}
	return d, nil
}

// Destinations returns the registered set in stable (id) order. This
// order is the fan-out order for every emission.
func (s *Store) Destinations(ctx context.Context) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, high_offset, low_offset
		FROM destinations ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var d Destination
		if err := rows.Scan(&d.ID, &d.Title, &d.HighOffset, &d.LowOffset); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	return out, nil
}

// RemoveDestination deletes a destination and, via cascade, its
// caption records. Used only by the pruning command after a verified
// liveness failure.
func (s *Store) RemoveDestination(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM destinations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove destination %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove destination %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("remove destination %d: %w", id, ErrDestinationNotFound)
	}
	return nil
}
