package partclaim

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ProcessFunc processes one claimed partition of a job.
type ProcessFunc func(ctx context.Context, partitionID int32) error

// WorkerStats counts the outcomes of a Worker run.
type WorkerStats struct {
	Won       int // claims won
	Lost      int // claims conceded to another member
	JobGone   int // requests answered with no active job
	Processed int // partitions processed and recorded as finished
	Failed    int // partitions whose processing failed and were released

	// Unconfirmed counts partitions processed locally whose finish the
	// coordinator did not record, e.g. because the job was cancelled meanwhile.
	Unconfirmed int
}

// Worker is the member-side client of the claim protocol: it claims the
// partitions it holds data for and processes those it wins.
type Worker struct {
	Self      Address
	Transport Transport
	Process   ProcessFunc

	// MaxConcurrency bounds in-flight partitions. Values < 1 mean 1.
	MaxConcurrency int

	// OnSettled, if set, is called once per partition after its outcome is known.
	OnSettled func(partitionID int32, outcome ClaimOutcome)
}

// Run claims every partition in partitions for the job. Lost claims and
// requests for a vanished job are not retried. The first transport error
// stops the run and is returned with the stats gathered so far.
func (w *Worker) Run(ctx context.Context, name, jobID string, partitions []int32) (WorkerStats, error) {
	maxConcurrency := w.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		stats    WorkerStats
		firstErr error
		jobGone  bool
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	sem := semaphore.NewWeighted(int64(maxConcurrency))
	for _, partitionID := range partitions {
		if runCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		mu.Lock()
		gone := jobGone
		mu.Unlock()
		if gone {
			// nothing left to claim for this job
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(pID int32) {
			defer wg.Done()
			defer sem.Release(1)

			outcome, processErr, finished, err := w.runPartition(runCtx, name, jobID, pID)
			if err != nil {
				log.Errorf("Worker %s: partition %d of %s/%s: %s", w.Self, pID, name, jobID, err)
				fail(err)
				return
			}

			mu.Lock()
			switch outcome {
			case ClaimWon:
				stats.Won++
				switch {
				case processErr != nil:
					stats.Failed++
				case finished:
					stats.Processed++
				default:
					stats.Unconfirmed++
				}
			case ClaimLost:
				stats.Lost++
			case ClaimJobGone:
				stats.JobGone++
				jobGone = true
			}
			mu.Unlock()

			if w.OnSettled != nil {
				w.OnSettled(pID, outcome)
			}
		}(partitionID)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return stats, firstErr
}

// runPartition claims, processes and reports one partition. processErr is the
// error of the ProcessFunc, err a transport failure. finished is true only when
// the coordinator recorded the partition as processed by this member.
func (w *Worker) runPartition(ctx context.Context, name, jobID string, partitionID int32) (outcome ClaimOutcome, processErr error, finished bool, err error) {
	req := Request{Name: name, JobID: jobID, PartitionID: partitionID, Op: OpClaim}
	resp, err := w.Transport.Send(ctx, req)
	if err != nil {
		return ClaimLost, nil, false, err
	}

	outcome = ClassifyClaim(resp, partitionID, w.Self)
	logger := log.WithFields(log.Fields{"member": w.Self, "job": name, "partition": partitionID})
	logger.Debugf("Claim %s", outcome)
	if outcome != ClaimWon {
		return outcome, nil, false, nil
	}

	req.Op = OpFinish
	if w.Process != nil {
		if processErr = w.Process(ctx, partitionID); processErr != nil {
			logger.Warnf("Processing failed, releasing partition: %s", processErr)
			req.Op = OpRelease
		}
	}

	// The report must reach the coordinator even if the run is winding down.
	report, err := w.Transport.Send(context.Background(), req)
	if err != nil {
		return outcome, processErr, false, err
	}
	if req.Op == OpFinish {
		finished = finishRecorded(report, partitionID, w.Self)
		if !finished {
			logger.Warn("Coordinator did not record the finished partition")
		}
	}
	return outcome, processErr, finished, nil
}

// finishRecorded reports whether a finish response shows partitionID processed
// by self.
func finishRecorded(resp Response, partitionID int32, self Address) bool {
	if !resp.Found || partitionID < 0 || int(partitionID) >= resp.Snapshot.Len() {
		return false
	}
	return resp.Snapshot.Record(int(partitionID)) == PartitionRecord{Owner: self, State: Processed}
}
