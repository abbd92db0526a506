// Package queue implements the §4.9 Job Queue Adapter: a job row carrying
// {job_id, payload, fail_count, run_at}, exponential backoff with jitter,
// and lease renewal for long-running jobs, backed by store.JobStore. The
// payload is stored inline in the row, not in a separate context store.
package queue

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/kitsune-fed/kitsune/federation"
)

const (
	blockTime           = 2 * time.Second
	minIdleTime         = 10 * time.Minute
	maxRetries          = 10
	minBackoffDuration  = 5 * time.Second
	leaseRenewThreshold = minIdleTime - 2*time.Minute // 8 min against a 10-min lease
	errorSleepMin       = 3 * time.Second
	errorSleepMax       = 6 * time.Second
)

// Row is the compact queue envelope: heavy payload lives alongside it, but
// the queue itself only ever needs to move {job_id, payload, fail_count,
// run_at} to decide what to claim next (§4.9, §9).
type Row struct {
	Id        uuid.UUID
	Payload   []byte
	FailCount int
	RunAt     time.Time
}

// Store is the persistence the Adapter drives: claim-by-lease,
// complete-on-success, fail-with-backoff, and periodic lease renewal for
// jobs still running past most of their lease window.
type Store interface {
	Enqueue(ctx context.Context, row Row) error
	Claim(ctx context.Context, consumerName string, lease time.Duration) (*Row, error)
	Complete(ctx context.Context, jobId uuid.UUID) error
	Fail(ctx context.Context, jobId uuid.UUID, failCount int, nextRunAt time.Time) error
	RenewLease(ctx context.Context, jobId uuid.UUID, lease time.Duration) error
}

// Handler executes a claimed job's payload; a returned error triggers a
// backoff-scheduled retry (or permanent abandonment past maxRetries).
type Handler func(ctx context.Context, payload []byte) error

// Adapter is the §4.9 Job Queue Adapter. It also implements
// federation.JobQueue so the Deliverer can enqueue retries directly.
type Adapter struct {
	store        Store
	handler      Handler
	consumerName string
	lease        time.Duration
}

func NewAdapter(store Store, handler Handler, consumerName string) *Adapter {
	return &Adapter{store: store, handler: handler, consumerName: consumerName, lease: minIdleTime}
}

var _ federation.JobQueue = (*Adapter)(nil)

// Enqueue implements federation.JobQueue: an unset Id gets a fresh one and
// an unset RunAt makes the job immediately runnable; FailCount is stored as
// given (0 for a fresh job).
func (a *Adapter) Enqueue(ctx context.Context, details federation.JobDetails) error {
	id := details.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	runAt := time.Now()
	if details.RunAt != nil {
		runAt = *details.RunAt
	}
	return a.store.Enqueue(ctx, Row{
		Id:        id,
		Payload:   details.Payload,
		FailCount: details.FailCount,
		RunAt:     runAt,
	})
}

// Run blocks, repeatedly claiming and executing jobs until ctx is
// cancelled. Call it from a dedicated worker goroutine per
// jobQueueWorkers (config.AppConfig.Conf.JobQueueWorkers).
func (a *Adapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		row, err := a.store.Claim(ctx, a.consumerName, a.lease)
		if err != nil {
			log.Printf("queue: claim failed: %v", err)
			sleepJittered(ctx, errorSleepMin, errorSleepMax)
			continue
		}
		if row == nil {
			sleepJittered(ctx, blockTime, blockTime)
			continue
		}

		a.runOne(ctx, row)
	}
}

func (a *Adapter) runOne(ctx context.Context, row *Row) {
	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go a.renewLeaseLoop(renewCtx, row.Id)

	err := a.handler(ctx, row.Payload)
	if err == nil {
		if cerr := a.store.Complete(ctx, row.Id); cerr != nil {
			log.Printf("queue: completing job %s: %v", row.Id, cerr)
		}
		return
	}

	failCount := row.FailCount + 1
	if failCount >= maxRetries {
		log.Printf("queue: job %s abandoned after %d attempts: %v", row.Id, failCount, err)
		if cerr := a.store.Complete(ctx, row.Id); cerr != nil {
			log.Printf("queue: dropping abandoned job %s: %v", row.Id, cerr)
		}
		return
	}

	nextRunAt := time.Now().Add(backoffFor(failCount))
	if ferr := a.store.Fail(ctx, row.Id, failCount, nextRunAt); ferr != nil {
		log.Printf("queue: recording failure for job %s: %v", row.Id, ferr)
	}
}

// renewLeaseLoop re-extends a long-running job's claim every
// leaseRenewThreshold (8 min against a 10-min lease) until the job
// completes or ctx is cancelled (§4.9).
func (a *Adapter) renewLeaseLoop(ctx context.Context, jobId uuid.UUID) {
	ticker := time.NewTicker(leaseRenewThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.RenewLease(ctx, jobId, minIdleTime); err != nil {
				log.Printf("queue: renewing lease for job %s: %v", jobId, err)
			}
		}
	}
}

// backoffFor computes the exponential-backoff-with-jitter delay for the
// given 1-indexed failure count: base 5s, doubling per attempt, plus up to
// 1s of jitter so retries from a burst of failures don't all collide.
func backoffFor(failCount int) time.Duration {
	exp := math.Pow(2, float64(failCount-1))
	base := time.Duration(float64(minBackoffDuration) * exp)
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return base + jitter
}

func sleepJittered(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

var ErrNoJobAvailable = errors.New("queue: no job available")
