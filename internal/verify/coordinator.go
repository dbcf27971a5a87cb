// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"

	"github.com/grahamc/r13y/internal/cas"
	"github.com/grahamc/r13y/internal/eval"
	"github.com/grahamc/r13y/internal/messages"
	"github.com/grahamc/r13y/internal/nixstore"
	"github.com/grahamc/r13y/internal/queue"
)

// flushInterval is how often, in resolved responses, the coordinator
// persists the result log to disk while a run is still in progress.
const flushInterval = 10

// doubleFailureAbortThreshold is the number of derivations that may
// fail their first build twice before a run aborts rather than
// continuing to grind through an apparently broken revision.
const doubleFailureAbortThreshold = 3

// AbortError reports that a run stopped before its work queue was
// drained because too many derivations failed their first build twice
// in a row.
type AbortError struct {
	DoubleFailures int
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborting run: %d derivations failed their first build twice", e.DoubleFailures)
}

// Config holds the tunables for a verification run.
type Config struct {
	// WorkDir holds the per-run tmp/ scratch directory (GC roots) and
	// is where the durable result log is read from and written to.
	WorkDir string
	// Revision names the result log this run reads and writes.
	Revision string

	MaxCores       int
	MaxCoresPerJob int

	// CheckTimeout bounds the `--check` rebuild on a derivation's first
	// attempt. Zero means no timeout.
	CheckTimeout time.Duration
	// SlowCheckTimeout bounds the `--check` rebuild for a derivation
	// that already timed out once and was moved to the slow queue.
	SlowCheckTimeout time.Duration
}

func (c Config) workerCount() int {
	n := c.MaxCores / c.MaxCoresPerJob
	if n < 1 {
		return 1
	}
	return n
}

// Coordinator drives a verification run: it fans a work queue out to a
// fixed pool of workers, applies the requeue and slow-retry policies
// to their results, and persists the result log as it goes.
type Coordinator struct {
	cfg   Config
	store *nixstore.Store
	cas   *cas.Store
}

// New returns a Coordinator that uses store and casStore to perform
// builds and capture divergent outputs.
func New(cfg Config, store *nixstore.Store, casStore *cas.Store) *Coordinator {
	return &Coordinator{cfg: cfg, store: store, cas: casStore}
}

type workerResult struct {
	drv         string
	status      messages.BuildStatus
	retryLonger bool
}

// Run verifies every derivation in job.ToBuild that is not already
// decided by job.SkipList, carrying job.Results forward, and returns
// the full result log for the revision. If more than
// doubleFailureAbortThreshold derivations fail their first build
// twice, Run stops early and returns an [*AbortError] alongside
// whatever results had been recorded so far. A failure to write the
// result log also stops the run and is returned as an error.
func (c *Coordinator) Run(ctx context.Context, req messages.BuildRequest, job *eval.JobInstantiation) ([]messages.BuildResponse, error) {
	var toBuild []string
	for drv := range job.ToBuild.All() {
		if job.SkipList.Has(drv) {
			continue
		}
		toBuild = append(toBuild, drv)
	}

	mainQueue := queue.New(toBuild)
	mainQueue.Shuffle()
	slowQueue := queue.New(nil)

	d := newDispatcher(mainQueue, slowQueue, c.cfg.CheckTimeout, c.cfg.SlowCheckTimeout, len(toBuild))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go d.watchAbort(runCtx)

	// Each run gets its own GC-root scratch directory under tmp/, named
	// with a random ID rather than the revision, so that two `r13y
	// check` invocations against the same work directory (a retry
	// racing a stale process, say) never stomp on each other's roots.
	// The CAS store living alongside it is keyed by content hash and
	// needs no such isolation.
	runDir := filepath.Join(c.cfg.WorkDir, "tmp", "run-"+uuid.New().String())
	if err := os.MkdirAll(runDir, 0o777); err != nil {
		return job.Results, fmt.Errorf("run: %w", err)
	}
	defer os.RemoveAll(runDir)

	resultsCh := make(chan workerResult)
	g, gctx := errgroup.WithContext(runCtx)
	workers := c.cfg.workerCount()
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			return c.runWorker(gctx, id, runDir, d, resultsCh)
		})
	}
	go func() {
		g.Wait()
		close(resultsCh)
	}()

	results := append([]messages.BuildResponse(nil), job.Results...)
	firstFailCount := make(map[string]int)
	doubleFailures := 0
	sinceFlush := 0
	var abortErr error

	for res := range resultsCh {
		if res.retryLonger {
			d.requeueSlow(res.drv)
			continue
		}

		if res.status.Kind == messages.FirstFailed {
			firstFailCount[res.drv]++
			if firstFailCount[res.drv] == 1 {
				d.requeue(res.drv)
				continue
			}
			doubleFailures++
			log.Warnf(ctx, "%s failed its first build twice (%d total)", res.drv, doubleFailures)
		} else {
			log.Infof(ctx, "%d / %d", len(results)-len(job.Results)+1, len(toBuild))
		}

		results = append(results, messages.BuildResponse{Request: req, Drv: res.drv, Status: res.status})
		d.resolve()
		sinceFlush++
		if sinceFlush == flushInterval {
			sinceFlush = 0
			if err := eval.SaveLog(c.cfg.WorkDir, c.cfg.Revision, results); err != nil {
				log.Errorf(ctx, "interim log flush: %v", err)
				abortErr = fmt.Errorf("interim log flush: %w", err)
				cancel(abortErr)
				break
			}
		}

		if doubleFailures > doubleFailureAbortThreshold {
			abortErr = &AbortError{DoubleFailures: doubleFailures}
			cancel(abortErr)
			break
		}
	}

	if err := g.Wait(); err != nil && abortErr == nil {
		return results, err
	}

	if err := eval.SaveLog(c.cfg.WorkDir, c.cfg.Revision, results); err != nil {
		log.Errorf(ctx, "final log flush: %v", err)
		if abortErr == nil {
			abortErr = fmt.Errorf("final log flush: %w", err)
		}
	}

	if abortErr != nil {
		return results, abortErr
	}
	return results, nil
}

func (c *Coordinator) runWorker(ctx context.Context, id int, tmpDir string, d *dispatcher, resultsCh chan<- workerResult) error {
	dir := threadTempDir(tmpDir, id)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	gcRootA := filepath.Join(dir, "build-a")
	gcRootCheck := filepath.Join(dir, "check")

	for {
		drv, timeout, ok := d.next(ctx)
		if !ok {
			return nil
		}

		status, retry, err := checkReproducibility(ctx, c.store, c.cas, drv, gcRootA, gcRootCheck, c.cfg.MaxCoresPerJob, timeout)
		if err != nil {
			log.Errorf(ctx, "worker %d: %s: %v", id, drv, err)
			select {
			case resultsCh <- workerResult{drv: drv, status: messages.BuildStatus{Kind: messages.SecondFailed}}:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		select {
		case resultsCh <- workerResult{drv: drv, status: status, retryLonger: retry}:
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatcher hands derivations to workers from a fast main queue and a
// slow queue (for timed-out retries with a longer budget), and tracks
// how many dispatched items are still awaiting a final result so
// workers can tell "temporarily empty" from "nothing left to do" even
// while sibling workers are still producing requeues.
type dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	main    *queue.Queue
	slow    *queue.Queue
	timeout time.Duration
	slow4   time.Duration
	pending int
	aborted bool
}

func newDispatcher(main, slow *queue.Queue, timeout, slowTimeout time.Duration, pending int) *dispatcher {
	d := &dispatcher{main: main, slow: slow, timeout: timeout, slow4: slowTimeout, pending: pending}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) watchAbort(ctx context.Context) {
	<-ctx.Done()
	d.mu.Lock()
	d.aborted = true
	d.cond.Broadcast()
	d.mu.Unlock()
}

// next blocks until either a derivation is available or there is
// nothing left pending (every dispatched item has reached a final
// result, or the run was aborted).
func (d *dispatcher) next(ctx context.Context) (drv string, timeout time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if v, popped := d.main.Pop(); popped {
			return v, d.timeout, true
		}
		if v, popped := d.slow.Pop(); popped {
			return v, d.slow4, true
		}
		if d.aborted || d.pending == 0 || ctx.Err() != nil {
			return "", 0, false
		}
		d.cond.Wait()
	}
}

// requeue pushes drv back onto the main queue after a first first-build
// failure. The item remains pending.
func (d *dispatcher) requeue(drv string) {
	d.main.Push(drv)
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// requeueSlow pushes drv onto the slow queue for a retry with a longer
// check timeout. The item remains pending.
func (d *dispatcher) requeueSlow(drv string) {
	d.slow.Push(drv)
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// resolve marks one pending item as finally decided.
func (d *dispatcher) resolve() {
	d.mu.Lock()
	d.pending--
	if d.pending <= 0 {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}
