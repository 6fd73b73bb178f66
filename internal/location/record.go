// Package location defines the shared dataset of map location records and
// the snapshot hashing used to detect change without transferring data.
//
// Records are owned by the server's relational store; this package only
// models them at the boundary: parsing the wire form, normalizing records
// for consumers, and filtering out disabled entries before they reach UI
// code.
package location

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DisabledSuffix marks a record as disabled when it terminates the
// category field. Disabled records stay in the raw dataset (and keep their
// per-record hash entry) but are stripped before the data reaches UI
// consumers.
const DisabledSuffix = "_disabled"

// Point is one map coordinate. The wire form is a two-element JSON array
// [x, y].
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a [x, y] pair.
func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("invalid coordinate pair: %w", err)
	}
	p.X, p.Y = pair[0], pair[1]
	return nil
}

// Points is a list of coordinates. The wire form accepts either a single
// [x, y] pair or a list of pairs; it always marshals as a list.
type Points []Point

// UnmarshalJSON accepts [x, y] as shorthand for [[x, y]].
func (ps *Points) UnmarshalJSON(data []byte) error {
	var list []Point
	if err := json.Unmarshal(data, &list); err == nil {
		*ps = list
		return nil
	}

	var single Point
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("invalid coordinates: %w", err)
	}
	*ps = Points{single}
	return nil
}

// Record is one location on the map.
type Record struct {
	// ID uniquely identifies the record across its whole lifetime.
	ID string `json:"id"`

	// Name is the human-readable label shown on the map.
	Name string `json:"name"`

	// Coordinates holds one or more map positions for this record.
	Coordinates Points `json:"coordinates"`

	// Description is free-form display text.
	Description string `json:"description,omitempty"`

	// Category groups records for filtering and icon selection. A
	// category ending in "_disabled" (or equal to "disabled") hides the
	// record from UI consumers.
	Category string `json:"category"`

	// Icon, IconSize and IconColor are display attributes passed through
	// to the renderer untouched.
	Icon      string  `json:"icon,omitempty"`
	IconSize  float64 `json:"iconSize,omitempty"`
	IconColor string  `json:"iconColor,omitempty"`

	// LastModified is non-decreasing across successive writes to the
	// same record.
	LastModified time.Time `json:"lastModified"`
}

// Disabled reports whether the record carries the disabled marker in its
// category field.
func (r *Record) Disabled() bool {
	return r.Category == "disabled" || strings.HasSuffix(r.Category, DisabledSuffix)
}

// Normalize trims whitespace from the text fields. It does not touch
// coordinates or timestamps.
func (r *Record) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.Category = strings.TrimSpace(r.Category)
	r.Description = strings.TrimSpace(r.Description)
}

// Validate checks the invariants a record must satisfy before it can be
// cached or displayed.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if r.Name == "" {
		return fmt.Errorf("record %s has no name", r.ID)
	}
	if len(r.Coordinates) == 0 {
		return fmt.Errorf("record %s has no coordinates", r.ID)
	}
	return nil
}

// NormalizeAll normalizes every record and drops records that fail
// validation. It returns the surviving records and the number dropped.
func NormalizeAll(records []Record) ([]Record, int) {
	out := make([]Record, 0, len(records))
	dropped := 0
	for _, r := range records {
		r.Normalize()
		if err := r.Validate(); err != nil {
			dropped++
			continue
		}
		out = append(out, r)
	}
	return out, dropped
}

// FilterVisible returns the records that should reach UI consumers,
// stripping anything flagged disabled. The input is not modified.
func FilterVisible(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Disabled() {
			continue
		}
		out = append(out, r)
	}
	return out
}
