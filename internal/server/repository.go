package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aScriptingOreo/soulmap-sub001/internal/location"
)

// Repository is the boundary to the relational store that owns the
// dataset. Writes happen elsewhere; this subsystem only reads.
type Repository interface {
	// Locations returns the complete raw dataset, disabled records
	// included. Element order is not significant.
	Locations(ctx context.Context) ([]location.Record, error)

	// Fingerprint returns a cheap O(1) token that changes whenever the
	// most recently modified record changes. Used only by the bridge's
	// poll fallback.
	Fingerprint(ctx context.Context) (string, error)
}

// PostgresRepository reads the dataset from Postgres.
type PostgresRepository struct {
	conn *sql.DB
}

// OpenPostgres connects to the database at the given DSN.
//
// The caller MUST call Close() when done.
func OpenPostgres(dsn string) (*PostgresRepository, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{conn: conn}, nil
}

// Close closes the database connection.
func (r *PostgresRepository) Close() error {
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	r.conn = nil
	return nil
}

// Locations implements Repository.Locations.
func (r *PostgresRepository) Locations(ctx context.Context) ([]location.Record, error) {
	query := `
	SELECT id, name, coordinates, description, category,
	       icon, icon_size, icon_color, last_modified
	FROM locations
	`

	rows, err := r.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var records []location.Record
	for rows.Next() {
		var rec location.Record
		var coordsJSON []byte
		var description, icon, iconColor sql.NullString
		var iconSize sql.NullFloat64

		err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&coordsJSON,
			&description,
			&rec.Category,
			&icon,
			&iconSize,
			&iconColor,
			&rec.LastModified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}

		// Coordinates are stored as JSON: either one [x,y] pair or a
		// list of pairs.
		if err := json.Unmarshal(coordsJSON, &rec.Coordinates); err != nil {
			return nil, fmt.Errorf("failed to parse coordinates for %s: %w", rec.ID, err)
		}

		rec.Description = description.String
		rec.Icon = icon.String
		rec.IconColor = iconColor.String
		rec.IconSize = iconSize.Float64

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}

	return records, nil
}

// Fingerprint implements Repository.Fingerprint with a single-row query
// over the most recently modified record.
func (r *PostgresRepository) Fingerprint(ctx context.Context) (string, error) {
	query := `
	SELECT id, last_modified
	FROM locations
	ORDER BY last_modified DESC
	LIMIT 1
	`

	var id string
	var lastModified time.Time
	err := r.conn.QueryRowContext(ctx, query).Scan(&id, &lastModified)
	if err == sql.ErrNoRows {
		return "empty", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query fingerprint: %w", err)
	}

	return fmt.Sprintf("%s-%d", id, lastModified.UnixMilli()), nil
}
