package partclaim

import (
	"time"
)

// Coordinator is the per-job owner of a partition table as seen by the claim
// protocol.
type Coordinator interface {
	ReadTable() *Snapshot
	CompareAndSwapTable(expected, next *Snapshot) bool
}

// JobRegistry resolves a job identity to its Coordinator. A missing entry
// means the job is not active on this member.
type JobRegistry interface {
	Lookup(name, jobID string) (Coordinator, bool)
}

// JobSupervisor coordinates partition processing for one job on the member
// hosting it. It is created when the job starts and dropped from its registry
// when the job completes or is cancelled.
type JobSupervisor struct {
	name      string
	jobID     string
	table     *PartitionTable
	startedAt time.Time
}

func newJobSupervisor(name, jobID string, partitionCount int) *JobSupervisor {
	return &JobSupervisor{
		name:      name,
		jobID:     jobID,
		table:     NewPartitionTable(partitionCount),
		startedAt: time.Now(),
	}
}

// Name returns the job name.
func (s *JobSupervisor) Name() string { return s.name }

// JobID returns the job id.
func (s *JobSupervisor) JobID() string { return s.jobID }

// PartitionCount returns the fixed number of partitions of the job.
func (s *JobSupervisor) PartitionCount() int {
	return s.table.Read().Len()
}

// ReadTable returns the current partition snapshot.
func (s *JobSupervisor) ReadTable() *Snapshot {
	return s.table.Read()
}

// CompareAndSwapTable replaces the partition snapshot iff it is still expected.
func (s *JobSupervisor) CompareAndSwapTable(expected, next *Snapshot) bool {
	return s.table.CompareAndSwap(expected, next)
}

// Progress counts the partitions of the current snapshot by state.
func (s *JobSupervisor) Progress() map[PartitionState]int {
	counts := make(map[PartitionState]int)
	for _, record := range s.table.Read().records {
		counts[record.State]++
	}
	return counts
}

// Done reports whether every partition has been processed.
func (s *JobSupervisor) Done() bool {
	for _, record := range s.table.Read().records {
		if record.State != Processed {
			return false
		}
	}
	return true
}

// cancel moves every partition that is not yet processed to Cancelled.
func (s *JobSupervisor) cancel() {
	for {
		old := s.table.Read()
		next := old
		for id, record := range old.records {
			if record.State == Processed || record.State == Cancelled {
				continue
			}
			next = next.with(id, PartitionRecord{Owner: record.Owner, State: Cancelled})
		}
		if next == old || s.table.CompareAndSwap(old, next) {
			return
		}
	}
}
