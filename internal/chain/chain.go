// Package chain models the backup chain ledger: completed backups linked to
// their parents, persisted remotely as a single JSON document.
package chain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tis24dev/datadance/internal/types"
)

const (
	// FullExtension marks a chain root blob.
	FullExtension = ".bin"
	// IncrementalExtension marks a blob holding a delta against its parent.
	IncrementalExtension = ".dbin"
)

// ErrEntryNotFound is returned when an id is not part of the history.
var ErrEntryNotFound = errors.New("backup entry not found")

// BackupEntry is one completed backup.
type BackupEntry struct {
	ID             uint32           `json:"id"`
	Parent         *uint32          `json:"parent"`
	Timestamp      uint64           `json:"timestamp"`
	RemoteFilename string           `json:"remote_filename"`
	LocalSnapshot  string           `json:"local_snapshot"`
	BackupType     types.BackupType `json:"backup_type"`
}

// NewEntry builds the entry for a backup completed at now. The id is the
// completion time in Unix seconds and the timestamp in milliseconds.
func NewEntry(now time.Time, parent *uint32, localSnapshot string) BackupEntry {
	entry := BackupEntry{
		ID:             uint32(now.Unix()),
		Timestamp:      uint64(now.UnixMilli()),
		RemoteFilename: RemoteFilename(localSnapshot, parent != nil),
		LocalSnapshot:  localSnapshot,
		BackupType:     types.BackupFull,
	}
	if parent != nil {
		p := *parent
		entry.Parent = &p
		entry.BackupType = types.BackupIncremental
	}
	return entry
}

// RemoteFilename derives the blob name from a local snapshot identifier:
// "2024_01_03_12_00_00/" becomes "2024_01_03_12_00_00.dbin" for an
// incremental backup.
func RemoteFilename(localSnapshot string, hasParent bool) string {
	base := strings.TrimRight(localSnapshot, "/")
	if hasParent {
		return base + IncrementalExtension
	}
	return base + FullExtension
}

// IsBlobName reports whether name looks like a backup blob.
func IsBlobName(name string) bool {
	return strings.HasSuffix(name, FullExtension) || strings.HasSuffix(name, IncrementalExtension)
}

// IsFull reports whether the entry is a chain root.
func (e BackupEntry) IsFull() bool {
	return e.Parent == nil
}

func (e BackupEntry) String() string {
	if e.Parent == nil {
		return fmt.Sprintf("#%d (full, %s)", e.ID, e.RemoteFilename)
	}
	return fmt.Sprintf("#%d (parent #%d, %s)", e.ID, *e.Parent, e.RemoteFilename)
}

// Equal compares two entries field by field.
func (e BackupEntry) Equal(other BackupEntry) bool {
	if (e.Parent == nil) != (other.Parent == nil) {
		return false
	}
	if e.Parent != nil && *e.Parent != *other.Parent {
		return false
	}
	return e.ID == other.ID &&
		e.Timestamp == other.Timestamp &&
		e.RemoteFilename == other.RemoteFilename &&
		e.LocalSnapshot == other.LocalSnapshot &&
		e.BackupType == other.BackupType
}

// BackupHistory is the set of completed backups. Storage order carries no
// meaning; use Sorted before interpreting it as a chain.
type BackupHistory struct {
	Entries []BackupEntry `json:"entries"`
}

// Len returns the number of entries.
func (h BackupHistory) Len() int {
	return len(h.Entries)
}

// Sorted returns a copy ordered by ascending timestamp. Ties keep storage order.
func (h BackupHistory) Sorted() []BackupEntry {
	sorted := slices.Clone(h.Entries)
	slices.SortStableFunc(sorted, func(a, b BackupEntry) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return sorted
}

// Newest returns the entries ordered by descending timestamp.
func (h BackupHistory) Newest() []BackupEntry {
	sorted := h.Sorted()
	slices.Reverse(sorted)
	return sorted
}

// Latest returns the most recent entry.
func (h BackupHistory) Latest() (BackupEntry, bool) {
	newest := h.Newest()
	if len(newest) == 0 {
		return BackupEntry{}, false
	}
	return newest[0], true
}

// Find looks an entry up by id.
func (h BackupHistory) Find(id uint32) (BackupEntry, bool) {
	for _, e := range h.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return BackupEntry{}, false
}

// Append returns a new history with entry added. A non-root entry must
// reference a parent already present.
func (h BackupHistory) Append(entry BackupEntry) (BackupHistory, error) {
	if entry.Parent != nil {
		if _, ok := h.Find(*entry.Parent); !ok {
			return h, fmt.Errorf("entry %d references unknown parent %d: %w", entry.ID, *entry.Parent, ErrEntryNotFound)
		}
	}
	if (entry.Parent == nil) != (entry.BackupType == types.BackupFull) {
		return h, fmt.Errorf("entry %d: backup type %s does not match parent link", entry.ID, entry.BackupType)
	}
	entries := make([]BackupEntry, 0, len(h.Entries)+1)
	entries = append(entries, h.Entries...)
	entries = append(entries, entry)
	return BackupHistory{Entries: entries}, nil
}

// ReferencedFilenames returns the set of blob names the ledger points at.
func (h BackupHistory) ReferencedFilenames() map[string]struct{} {
	names := make(map[string]struct{}, len(h.Entries))
	for _, e := range h.Entries {
		names[e.RemoteFilename] = struct{}{}
	}
	return names
}

// RetainedSnapshots returns the local snapshots of the n most recent entries.
func (h BackupHistory) RetainedSnapshots(n int) []string {
	newest := h.Newest()
	if len(newest) > n {
		newest = newest[:n]
	}
	out := make([]string, 0, len(newest))
	for _, e := range newest {
		out = append(out, e.LocalSnapshot)
	}
	return out
}

// UpTo returns the entries in ascending timestamp order, from the oldest up
// to and including id. Entries of other chains older than id are included.
func (h BackupHistory) UpTo(id uint32) ([]BackupEntry, error) {
	if _, ok := h.Find(id); !ok {
		return nil, fmt.Errorf("backup %d: %w", id, ErrEntryNotFound)
	}
	sorted := h.Sorted()
	for i, e := range sorted {
		if e.ID == id {
			return sorted[:i+1], nil
		}
	}
	return sorted, nil
}

// Equal reports whether both histories hold the same entries in the same order.
func (h BackupHistory) Equal(other BackupHistory) bool {
	return slices.EqualFunc(h.Entries, other.Entries, BackupEntry.Equal)
}

// Validate checks that ids are unique, backup types match parent links and
// every parent exists.
func (h BackupHistory) Validate() error {
	var problems []error
	ids := make(map[uint32]bool, len(h.Entries))
	for _, e := range h.Entries {
		if ids[e.ID] {
			problems = append(problems, fmt.Errorf("duplicate entry id %d", e.ID))
		}
		ids[e.ID] = true
		if (e.Parent == nil) != (e.BackupType == types.BackupFull) {
			problems = append(problems, fmt.Errorf("entry %d: backup type %s does not match parent link", e.ID, e.BackupType))
		}
	}
	for _, e := range h.Entries {
		if e.Parent != nil && !ids[*e.Parent] {
			problems = append(problems, fmt.Errorf("entry %d: parent %d missing", e.ID, *e.Parent))
		}
	}
	return errors.Join(problems...)
}
