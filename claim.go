package partclaim

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidPartition is returned for a partition id outside the job's table.
var ErrInvalidPartition = errors.New("invalid partition id")

// finishedJobs is implemented by registries that remember finished jobs.
type finishedJobs interface {
	RecentlyFinished(name, jobID string) bool
}

// ClaimHandler serves partition processing requests against the jobs of a
// JobRegistry. It holds no state of its own and is safe for concurrent use.
type ClaimHandler struct {
	registry JobRegistry
}

// NewClaimHandler creates a ClaimHandler resolving jobs through registry.
func NewClaimHandler(registry JobRegistry) *ClaimHandler {
	return &ClaimHandler{registry: registry}
}

// Handle dispatches req on its operation. A nil snapshot with a nil error means
// the job is not active on this member.
func (h *ClaimHandler) Handle(req Request, caller Address) (*Snapshot, error) {
	switch req.Op {
	case OpClaim:
		return h.RequestPartitionProcessing(req, caller)
	case OpFinish:
		return h.FinishPartition(req, caller)
	case OpRelease:
		return h.ReleasePartition(req, caller)
	}
	return nil, fmt.Errorf("%w: unknown operation %d", ErrMalformedMessage, req.Op)
}

// RequestPartitionProcessing tries to record caller as the processor of
// req.PartitionID and returns the resulting snapshot. The caller inspects the
// snapshot to learn whether it won: a concurrent claim that lands first is not
// retried, the request concedes to the recorded owner.
func (h *ClaimHandler) RequestPartitionProcessing(req Request, caller Address) (*Snapshot, error) {
	coordinator, ok := h.lookup(req)
	if !ok {
		return nil, nil
	}
	pid, err := partitionIndex(coordinator.ReadTable(), req.PartitionID)
	if err != nil {
		return nil, fmt.Errorf("job %s/%s: %w", req.Name, req.JobID, err)
	}

	logger := log.WithFields(log.Fields{
		"job":       req.Name,
		"jobID":     req.JobID,
		"partition": pid,
		"caller":    caller,
	})
	claim := PartitionRecord{Owner: caller, State: Processing}

	for retries := 0; ; retries++ {
		old := coordinator.ReadTable()
		if !old.Record(pid).State.Claimable() {
			logger.Debugf("Partition not claimable: %s", old.Record(pid))
			return old, nil
		}

		if coordinator.CompareAndSwapTable(old, old.with(pid, claim)) {
			// Re-read instead of trusting the installed snapshot: a concurrent
			// claim from a migrating member may already have replaced it.
			current := coordinator.ReadTable()
			if current.Record(pid).OwnedBy(caller) {
				logger.WithField("retries", retries).Debug("Claimed partition")
			} else {
				logger.Debugf("Conceded partition to %s", current.Record(pid))
			}
			return current, nil
		}

		// Stale table write. Give up if the job is gone or was restarted under
		// the same identity, otherwise re-check claimability at the top of the
		// loop.
		if !h.stillCoordinating(req, coordinator) {
			return nil, nil
		}
	}
}

// FinishPartition marks a partition processed if caller is its processor.
func (h *ClaimHandler) FinishPartition(req Request, caller Address) (*Snapshot, error) {
	return h.transition(req, caller, PartitionRecord{Owner: caller, State: Processed})
}

// ReleasePartition gives up caller's processing claim, making the partition
// claimable by another member.
func (h *ClaimHandler) ReleasePartition(req Request, caller Address) (*Snapshot, error) {
	return h.transition(req, caller, PartitionRecord{State: Waiting})
}

// transition replaces the record of a partition processed by caller with next.
// When caller is not the processor the current snapshot is returned unchanged.
func (h *ClaimHandler) transition(req Request, caller Address, next PartitionRecord) (*Snapshot, error) {
	coordinator, ok := h.lookup(req)
	if !ok {
		return nil, nil
	}
	pid, err := partitionIndex(coordinator.ReadTable(), req.PartitionID)
	if err != nil {
		return nil, fmt.Errorf("job %s/%s: %w", req.Name, req.JobID, err)
	}

	for {
		old := coordinator.ReadTable()
		if !old.Record(pid).OwnedBy(caller) {
			log.WithFields(log.Fields{
				"job":       req.Name,
				"partition": pid,
				"caller":    caller,
				"op":        req.Op,
			}).Warnf("Caller is not the processor: %s", old.Record(pid))
			return old, nil
		}
		if coordinator.CompareAndSwapTable(old, old.with(pid, next)) {
			return coordinator.ReadTable(), nil
		}
		if !h.stillCoordinating(req, coordinator) {
			return nil, nil
		}
	}
}

// stillCoordinating reports whether coordinator is still the one registered
// for req's job. A job restarted under the same identity has a new table whose
// size may differ, so the request ends as if the job were gone.
func (h *ClaimHandler) stillCoordinating(req Request, coordinator Coordinator) bool {
	current, ok := h.lookup(req)
	if ok && current != coordinator {
		log.WithFields(log.Fields{"job": req.Name, "jobID": req.JobID, "partition": req.PartitionID}).
			Debug("Job restarted during request")
		return false
	}
	return ok
}

func (h *ClaimHandler) lookup(req Request) (Coordinator, bool) {
	coordinator, ok := h.registry.Lookup(req.Name, req.JobID)
	if !ok {
		fields := log.Fields{"job": req.Name, "jobID": req.JobID, "partition": req.PartitionID}
		if history, ok := h.registry.(finishedJobs); ok && history.RecentlyFinished(req.Name, req.JobID) {
			log.WithFields(fields).Debug("Request arrived after job finished")
		} else {
			log.WithFields(fields).Debug("No supervisor for job")
		}
	}
	return coordinator, ok
}

func partitionIndex(snapshot *Snapshot, partitionID int32) (int, error) {
	if partitionID < 0 || int(partitionID) >= snapshot.Len() {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPartition, partitionID, snapshot.Len())
	}
	return int(partitionID), nil
}

// ClaimOutcome is what a requesting member learns from a claim response.
type ClaimOutcome int

// Claim outcomes.
const (
	// ClaimJobGone means the job is not active on the coordinating member.
	ClaimJobGone ClaimOutcome = iota
	// ClaimWon means the requester is now the processor of the partition.
	ClaimWon
	// ClaimLost means the partition is owned by another member or no longer
	// claimable.
	ClaimLost
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimJobGone:
		return "job gone"
	case ClaimWon:
		return "won"
	case ClaimLost:
		return "lost"
	}
	return fmt.Sprintf("ClaimOutcome(%d)", int(o))
}

// ClassifyClaim interprets a claim response for partitionID from self's point
// of view.
func ClassifyClaim(resp Response, partitionID int32, self Address) ClaimOutcome {
	if !resp.Found {
		return ClaimJobGone
	}
	if partitionID < 0 || int(partitionID) >= resp.Snapshot.Len() {
		return ClaimLost
	}
	if resp.Snapshot.Record(int(partitionID)).OwnedBy(self) {
		return ClaimWon
	}
	return ClaimLost
}
