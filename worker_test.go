package partclaim

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingTransport struct{}

func (failingTransport) Send(context.Context, Request) (Response, error) {
	return Response{}, errors.New("member unreachable")
}

func TestWorkerProcessesWonPartitions(t *testing.T) {
	registry := NewRegistry(8)
	supervisor, err := registry.StartJob("job", "1", 8)
	require.Nil(t, err)
	overwrite(supervisor, 3, PartitionRecord{Owner: m2, State: Processing})

	var (
		mu        sync.Mutex
		processed []int32
	)
	worker := &Worker{
		Self:      m1,
		Transport: LocalTransport{Handler: NewClaimHandler(registry), Self: m1},
		Process: func(_ context.Context, partitionID int32) error {
			mu.Lock()
			defer mu.Unlock()
			processed = append(processed, partitionID)
			return nil
		},
		MaxConcurrency: 3,
	}

	stats, err := worker.Run(context.Background(), "job", "1", []int32{0, 1, 2, 3, 4, 5, 6, 7})
	require.Nil(t, err)

	assert.Equal(t, WorkerStats{Won: 7, Lost: 1, Processed: 7}, stats)
	assert.ElementsMatch(t, []int32{0, 1, 2, 4, 5, 6, 7}, processed)
	for id, record := range supervisor.ReadTable().Records() {
		if id == 3 {
			assert.Equal(t, PartitionRecord{Owner: m2, State: Processing}, record)
			continue
		}
		assert.Equal(t, PartitionRecord{Owner: m1, State: Processed}, record)
	}
}

func TestWorkerReleasesFailedPartitions(t *testing.T) {
	registry := NewRegistry(8)
	supervisor, err := registry.StartJob("job", "1", 2)
	require.Nil(t, err)

	worker := &Worker{
		Self:      m1,
		Transport: LocalTransport{Handler: NewClaimHandler(registry), Self: m1},
		Process: func(_ context.Context, partitionID int32) error {
			if partitionID == 1 {
				return errors.New("data partition migrated away")
			}
			return nil
		},
	}

	stats, err := worker.Run(context.Background(), "job", "1", []int32{0, 1})
	require.Nil(t, err)

	assert.Equal(t, WorkerStats{Won: 2, Processed: 1, Failed: 1}, stats)
	assert.Equal(t, []PartitionRecord{
		{Owner: m1, State: Processed},
		{State: Waiting},
	}, supervisor.ReadTable().Records())
}

func TestWorkerCountsOnlyRecordedFinishes(t *testing.T) {
	registry := NewRegistry(8)
	supervisor, err := registry.StartJob("job", "1", 2)
	require.Nil(t, err)

	worker := &Worker{
		Self:      m1,
		Transport: LocalTransport{Handler: NewClaimHandler(registry), Self: m1},
		Process: func(_ context.Context, partitionID int32) error {
			if partitionID == 0 {
				overwrite(supervisor, 0, PartitionRecord{State: Cancelled})
			}
			return nil
		},
	}

	stats, err := worker.Run(context.Background(), "job", "1", []int32{0, 1})
	require.Nil(t, err)

	assert.Equal(t, WorkerStats{Won: 2, Processed: 1, Unconfirmed: 1}, stats)
	assert.Equal(t, []PartitionRecord{
		{State: Cancelled},
		{Owner: m1, State: Processed},
	}, supervisor.ReadTable().Records())
}

func TestWorkerJobCancelledWhileProcessing(t *testing.T) {
	registry := NewRegistry(8)
	supervisor, err := registry.StartJob("job", "1", 1)
	require.Nil(t, err)

	worker := &Worker{
		Self:      m1,
		Transport: LocalTransport{Handler: NewClaimHandler(registry), Self: m1},
		Process: func(context.Context, int32) error {
			registry.CancelJob("job", "1")
			return nil
		},
	}

	stats, err := worker.Run(context.Background(), "job", "1", []int32{0})
	require.Nil(t, err)

	assert.Equal(t, WorkerStats{Won: 1, Unconfirmed: 1}, stats)
	assert.Equal(t, Cancelled, supervisor.ReadTable().Record(0).State)
}

func TestWorkerStopsWhenJobIsGone(t *testing.T) {
	var settled []ClaimOutcome
	worker := &Worker{
		Self:      m1,
		Transport: LocalTransport{Handler: NewClaimHandler(NewRegistry(8)), Self: m1},
		OnSettled: func(_ int32, outcome ClaimOutcome) {
			settled = append(settled, outcome)
		},
	}

	stats, err := worker.Run(context.Background(), "job", "missing", []int32{0, 1, 2})
	require.Nil(t, err)

	assert.Equal(t, WorkerStats{JobGone: 1}, stats)
	assert.Equal(t, []ClaimOutcome{ClaimJobGone}, settled)
}

func TestWorkerTransportError(t *testing.T) {
	worker := &Worker{Self: m1, Transport: failingTransport{}}

	_, err := worker.Run(context.Background(), "job", "1", []int32{0, 1})
	assert.EqualError(t, err, "member unreachable")
}

func TestWorkerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker := &Worker{Self: m1, Transport: failingTransport{}}

	stats, err := worker.Run(ctx, "job", "1", []int32{0})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, WorkerStats{}, stats)
}

func TestLocalTransportRoundTrip(t *testing.T) {
	registry := NewRegistry(8)
	_, err := registry.StartJob("job", "1", 2)
	require.Nil(t, err)
	transport := LocalTransport{Handler: NewClaimHandler(registry), Self: m3}

	resp, err := transport.Send(context.Background(), Request{Name: "job", JobID: "1", PartitionID: 1})
	require.Nil(t, err)
	assert.Equal(t, ClaimWon, ClassifyClaim(resp, 1, m3))

	resp, err = transport.Send(context.Background(), Request{Name: "job", JobID: "2", PartitionID: 1})
	require.Nil(t, err)
	assert.False(t, resp.Found)

	_, err = transport.Send(context.Background(), Request{Name: "job", JobID: "1", PartitionID: 2})
	assert.True(t, errors.Is(err, ErrInvalidPartition))
}
