package partclaim

import (
	"sync/atomic"
)

// Snapshot is an immutable view of the partition records of one job.
// The pointer identity of a Snapshot is its version: two snapshots with equal
// contents are still different versions.
type Snapshot struct {
	records []PartitionRecord
}

// NewSnapshot creates a snapshot holding a copy of records.
func NewSnapshot(records []PartitionRecord) *Snapshot {
	cp := make([]PartitionRecord, len(records))
	copy(cp, records)
	return &Snapshot{records: cp}
}

// Len returns the number of partitions in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.records)
}

// Record returns the record of partitionID. partitionID must be in [0, Len()).
func (s *Snapshot) Record(partitionID int) PartitionRecord {
	return s.records[partitionID]
}

// Records returns a copy of all records in partition id order.
func (s *Snapshot) Records() []PartitionRecord {
	cp := make([]PartitionRecord, len(s.records))
	copy(cp, s.records)
	return cp
}

// with returns a new snapshot identical to s except at partitionID.
func (s *Snapshot) with(partitionID int, record PartitionRecord) *Snapshot {
	next := make([]PartitionRecord, len(s.records))
	copy(next, s.records)
	next[partitionID] = record
	return &Snapshot{records: next}
}

// PartitionTable holds the current Snapshot of a job. The held snapshot is only
// ever replaced as a whole, through CompareAndSwap.
type PartitionTable struct {
	current atomic.Pointer[Snapshot]
}

// NewPartitionTable creates a table with partitionCount Unassigned partitions.
// The partition count never changes afterwards.
func NewPartitionTable(partitionCount int) *PartitionTable {
	t := &PartitionTable{}
	t.current.Store(&Snapshot{records: make([]PartitionRecord, partitionCount)})
	return t
}

// Read returns the current snapshot. It never blocks.
func (t *PartitionTable) Read() *Snapshot {
	return t.current.Load()
}

// CompareAndSwap installs next iff the table still holds expected.
func (t *PartitionTable) CompareAndSwap(expected, next *Snapshot) bool {
	return t.current.CompareAndSwap(expected, next)
}
