package location

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// Snapshot is the full set of records at one point in time, paired with
// digests used to detect change without comparing record-by-record.
//
// ContentHash is order-independent: records are sorted by ID before
// hashing, so two snapshots with the same records in different order
// produce the same digest.
type Snapshot struct {
	// Records holds the raw dataset, disabled records included.
	Records []Record

	// ContentHash is the digest of the canonical serialization of all
	// records.
	ContentHash string

	// PerRecordHash maps record name to the digest of that record's
	// serialized fields. Disabled records keep their entry.
	PerRecordHash map[string]string
}

// BuildSnapshot computes the digests for a set of records.
func BuildSnapshot(records []Record) (*Snapshot, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	perRecord := make(map[string]string, len(sorted))
	content := xxh3.New()

	for i := range sorted {
		canonical, err := json.Marshal(&sorted[i])
		if err != nil {
			return nil, fmt.Errorf("failed to serialize record %s: %w", sorted[i].ID, err)
		}

		perRecord[sorted[i].Name] = digest(canonical)

		if _, err := content.Write(canonical); err != nil {
			return nil, fmt.Errorf("failed to hash record %s: %w", sorted[i].ID, err)
		}
	}

	sum := content.Sum128()
	return &Snapshot{
		Records:       records,
		ContentHash:   fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo),
		PerRecordHash: perRecord,
	}, nil
}

// digest returns the hex form of the 128-bit xxh3 hash of data.
func digest(data []byte) string {
	h := xxh3.Hash128(data)
	return fmt.Sprintf("%016x%016x", h.Hi, h.Lo)
}

// Diff summarizes how a snapshot differs from a previous one, keyed by
// record name. It exists for observability only — caches are replaced
// wholesale, never patched.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// DiffAgainst compares the snapshot's per-record hashes with a previous
// map. A nil previous map reports every record as added.
func (s *Snapshot) DiffAgainst(previous map[string]string) Diff {
	var d Diff
	for name, hash := range s.PerRecordHash {
		prior, ok := previous[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case prior != hash:
			d.Modified = append(d.Modified, name)
		}
	}
	for name := range previous {
		if _, ok := s.PerRecordHash[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}
