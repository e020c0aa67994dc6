package batch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relay/core"
	"github.com/relaymesh/relay/events"
	"github.com/relaymesh/relay/telemetry"
)

// temporalWindow is the spread of member submission times the temporal
// strategy tolerates within one batch.
const temporalWindow = 5 * time.Second

// similarityThreshold is the minimum parameter-key Jaccard similarity
// for the similarity strategy.
const similarityThreshold = 0.6

// urgentPriority is the resolved priority at or above which a request
// bypasses batch formation.
const urgentPriority = 8

// Handler executes one request end to end: backend invocation plus
// response processing. The pipeline wires it to executor and respond.
type Handler func(ctx context.Context, pre *core.PreprocessedRequest, decision *core.RoutingDecision) (*core.ProcessedResponse, error)

// member is one request inside a job.
type member struct {
	ctx      context.Context
	pre      *core.PreprocessedRequest
	decision *core.RoutingDecision
	future   *Future
	seq      uint64

	mu        sync.Mutex
	cancelled bool
}

func (m *member) cancel() {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
}

func (m *member) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// job is one BatchJob moving through forming -> scheduled -> running.
type job struct {
	id        string
	strategy  core.BatchStrategy
	members   []*member
	priority  int // max of member priorities
	createdAt time.Time
	earliest  time.Time
	latest    time.Time
	state     core.BatchState
	seq       uint64

	timerStop chan struct{}
}

// jobQueue is a heap ordered by priority descending, then FIFO.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*job)) }
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Batcher groups compatible requests and dispatches jobs through a
// bounded worker pool.
type Batcher struct {
	cfg     *core.Config
	handler Handler
	clock   core.Clock
	logger  core.Logger
	bus     *events.Bus

	mu        sync.Mutex
	cond      *sync.Cond
	forming   []*job
	queue     jobQueue
	byReq     map[string]*member
	memberJob map[string]*job
	seq       uint64
	pending   int // items forming or queued, for backpressure
	closed    bool

	wg sync.WaitGroup
}

// New creates a Batcher and starts its worker pool.
func New(cfg *core.Config, handler Handler, clock core.Clock, logger core.Logger, bus *events.Bus) *Batcher {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	b := &Batcher{
		cfg:       cfg,
		handler:   handler,
		clock:     clock,
		logger:    logger,
		bus:       bus,
		byReq:     make(map[string]*member),
		memberJob: make(map[string]*job),
	}
	b.cond = sync.NewCond(&b.mu)
	for i := 0; i < cfg.ConcurrencyLimit; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Depth returns the number of requests forming or awaiting dispatch.
func (b *Batcher) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Submit attaches the request to a compatible forming batch, starts a
// new one, or dispatches immediately for urgent traffic.
func (b *Batcher) Submit(ctx context.Context, pre *core.PreprocessedRequest, decision *core.RoutingDecision) *Future {
	m := &member{
		ctx:      ctx,
		pre:      pre,
		decision: decision,
		future:   NewFuture(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		m.future.Complete(nil, core.NewPipelineError("batch.Submit", "Cancelled", pre.Request.ID, core.ErrCancelled))
		return m.future
	}
	b.seq++
	m.seq = b.seq
	b.byReq[pre.Request.ID] = m
	b.pending++

	// Emergency bypass: urgent traffic with no forming batch to join
	// is dispatched alone immediately.
	if pre.Priority >= urgentPriority && len(b.forming) == 0 {
		j := b.newJobLocked(m, core.BatchEmergency)
		b.scheduleLocked(j)
		b.mu.Unlock()
		return m.future
	}

	if j := b.findCompatibleLocked(m); j != nil {
		b.attachLocked(j, m)
		b.mu.Unlock()
		return m.future
	}

	j := b.newJobLocked(m, core.BatchTemporal)
	if pre.Priority >= urgentPriority {
		b.scheduleLocked(j)
		b.mu.Unlock()
		return m.future
	}
	b.startTimerLocked(j)
	b.mu.Unlock()
	return m.future
}

// Cancel resolves the request's future with Cancelled. A forming
// member is removed from its batch; a queued or running member keeps
// its slot but the result is discarded.
func (b *Batcher) Cancel(requestID string) bool {
	b.mu.Lock()
	m, ok := b.byReq[requestID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	m.cancel()
	j := b.memberJob[requestID]
	if j != nil && j.state == core.BatchForming {
		b.removeMemberLocked(j, m)
	}
	b.mu.Unlock()

	m.future.Complete(nil, core.NewPipelineError("batch.Cancel", "Cancelled", requestID, core.ErrCancelled))
	telemetry.Counter("batch.cancelled")
	return true
}

// Close drains nothing: forming batches are scheduled as-is and the
// worker pool exits once the queue empties.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, j := range b.forming {
		b.stopTimerLocked(j)
		b.enqueueLocked(j)
	}
	b.forming = nil
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
}

// findCompatibleLocked scans the compatibility predicates in priority
// order and returns the first forming batch the request may join.
func (b *Batcher) findCompatibleLocked(m *member) *job {
	type predicate func(*job, *member) bool
	checks := []struct {
		strategy core.BatchStrategy
		fn       predicate
	}{
		{core.BatchSimilarity, similarityCompatible},
		{core.BatchBackend, backendCompatible},
		{core.BatchPriority, priorityCompatible},
		{core.BatchTemporal, b.temporalCompatible},
	}
	for _, check := range checks {
		for _, j := range b.forming {
			if len(j.members) >= b.cfg.MaxBatchSize {
				continue
			}
			if check.fn(j, m) {
				// The tightest predicate that admitted a member names
				// the batch's strategy.
				if strategyRank(check.strategy) < strategyRank(j.strategy) {
					j.strategy = check.strategy
				}
				return j
			}
		}
	}
	return nil
}

func strategyRank(s core.BatchStrategy) int {
	switch s {
	case core.BatchEmergency:
		return 0
	case core.BatchSimilarity:
		return 1
	case core.BatchBackend:
		return 2
	case core.BatchPriority:
		return 3
	default:
		return 4
	}
}

// similarityCompatible requires parameter-key Jaccard similarity above
// the threshold against every current member.
func similarityCompatible(j *job, m *member) bool {
	if len(m.pre.Request.Parameters) == 0 {
		return false
	}
	for _, other := range j.members {
		if jaccard(m.pre.Request.Parameters, other.pre.Request.Parameters) <= similarityThreshold {
			return false
		}
	}
	return true
}

func jaccard(a, b map[string]interface{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func backendCompatible(j *job, m *member) bool {
	if m.decision == nil || m.decision.Selected == nil {
		return false
	}
	for _, other := range j.members {
		if other.decision == nil || other.decision.Selected == nil ||
			other.decision.Selected.ID != m.decision.Selected.ID {
			return false
		}
	}
	return true
}

func priorityCompatible(j *job, m *member) bool {
	for _, other := range j.members {
		if other.pre.Priority != m.pre.Priority {
			return false
		}
	}
	return true
}

func (b *Batcher) temporalCompatible(j *job, m *member) bool {
	at := m.pre.Request.SubmittedAt
	earliest, latest := j.earliest, j.latest
	if at.Before(earliest) {
		earliest = at
	}
	if at.After(latest) {
		latest = at
	}
	return latest.Sub(earliest) <= temporalWindow
}

func (b *Batcher) newJobLocked(m *member, strategy core.BatchStrategy) *job {
	b.seq++
	j := &job{
		id:        uuid.NewString(),
		strategy:  strategy,
		members:   []*member{m},
		priority:  m.pre.Priority,
		createdAt: b.clock.Now(),
		earliest:  m.pre.Request.SubmittedAt,
		latest:    m.pre.Request.SubmittedAt,
		state:     core.BatchForming,
		seq:       b.seq,
	}
	b.forming = append(b.forming, j)
	b.memberJob[m.pre.Request.ID] = j

	if b.bus != nil {
		b.bus.Publish(events.BatchFormed, m.pre.Request.ID, map[string]interface{}{
			"batch_id": j.id,
			"strategy": string(j.strategy),
		})
	}
	telemetry.Counter("batch.formed", "strategy", string(strategy))
	return j
}

func (b *Batcher) attachLocked(j *job, m *member) {
	j.members = append(j.members, m)
	b.memberJob[m.pre.Request.ID] = j
	if m.pre.Priority > j.priority {
		j.priority = m.pre.Priority
	}
	at := m.pre.Request.SubmittedAt
	if at.Before(j.earliest) {
		j.earliest = at
	}
	if at.After(j.latest) {
		j.latest = at
	}

	if len(j.members) >= b.cfg.MaxBatchSize || m.pre.Priority >= urgentPriority {
		b.scheduleLocked(j)
	}
}

// startTimerLocked arms the forming window for a new batch. Above the
// high-water mark the window is halved to drain the backlog faster.
func (b *Batcher) startTimerLocked(j *job) {
	wait := b.cfg.WaitTimeFor(j.priority)
	if b.pending > b.cfg.HighWater {
		wait /= 2
	}
	j.timerStop = make(chan struct{})
	stop := j.timerStop

	go func() {
		select {
		case <-stop:
			return
		case <-b.clock.After(wait):
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if j.state != core.BatchForming {
			return
		}
		if len(j.members) >= b.cfg.MinBatchSize {
			b.scheduleLocked(j)
			return
		}
		// Too small to be worth batching; dispatch members individually.
		b.unformLocked(j)
		for _, m := range j.members {
			single := b.newJobLocked(m, core.BatchTemporal)
			b.scheduleLocked(single)
		}
	}()
}

func (b *Batcher) stopTimerLocked(j *job) {
	if j.timerStop != nil {
		close(j.timerStop)
		j.timerStop = nil
	}
}

// unformLocked detaches a forming job without queueing it.
func (b *Batcher) unformLocked(j *job) {
	b.stopTimerLocked(j)
	for i, f := range b.forming {
		if f == j {
			b.forming = append(b.forming[:i], b.forming[i+1:]...)
			break
		}
	}
	j.state = core.BatchCancelled
}

func (b *Batcher) removeMemberLocked(j *job, m *member) {
	for i, other := range j.members {
		if other == m {
			j.members = append(j.members[:i], j.members[i+1:]...)
			break
		}
	}
	delete(b.memberJob, m.pre.Request.ID)
	delete(b.byReq, m.pre.Request.ID)
	b.pending--
	if len(j.members) == 0 {
		b.unformLocked(j)
	}
}

func (b *Batcher) scheduleLocked(j *job) {
	b.stopTimerLocked(j)
	for i, f := range b.forming {
		if f == j {
			b.forming = append(b.forming[:i], b.forming[i+1:]...)
			break
		}
	}
	b.enqueueLocked(j)
}

func (b *Batcher) enqueueLocked(j *job) {
	j.state = core.BatchScheduled
	heap.Push(&b.queue, j)
	if b.bus != nil {
		b.bus.Publish(events.BatchScheduled, "", map[string]interface{}{
			"batch_id": j.id,
			"strategy": string(j.strategy),
			"size":     len(j.members),
			"priority": j.priority,
		})
	}
	telemetry.Counter("batch.scheduled", "strategy", string(j.strategy))
	telemetry.Histogram("batch.size", float64(len(j.members)), "strategy", string(j.strategy))
	b.cond.Signal()
}

func (b *Batcher) worker() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		j := heap.Pop(&b.queue).(*job)
		j.state = core.BatchRunning
		b.mu.Unlock()

		b.run(j)
	}
}

// run executes a job's members in submission order. Members cancelled
// while running have their results discarded.
func (b *Batcher) run(j *job) {
	failed := 0
	for _, m := range j.members {
		if m.isCancelled() {
			b.finishMember(m)
			continue
		}
		resp, err := b.handler(m.ctx, m.pre, m.decision)
		if m.isCancelled() {
			// Result discarded; the future already completed with Cancelled.
			b.finishMember(m)
			continue
		}
		if err != nil {
			failed++
		}
		m.future.Complete(resp, err)
		b.finishMember(m)
	}

	b.mu.Lock()
	if failed == len(j.members) && len(j.members) > 0 {
		j.state = core.BatchFailed
	} else {
		j.state = core.BatchDone
	}
	b.mu.Unlock()

	if b.bus != nil {
		kind := events.BatchCompleted
		if j.state == core.BatchFailed {
			kind = events.BatchFailed
		}
		b.bus.Publish(kind, "", map[string]interface{}{
			"batch_id": j.id,
			"strategy": string(j.strategy),
			"size":     len(j.members),
			"failed":   failed,
		})
	}
	telemetry.Counter("batch.completed", "strategy", string(j.strategy), "state", string(j.state))
}

func (b *Batcher) finishMember(m *member) {
	b.mu.Lock()
	delete(b.byReq, m.pre.Request.ID)
	delete(b.memberJob, m.pre.Request.ID)
	b.pending--
	b.mu.Unlock()
}
