package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"helixgate/internal/apperrors"
)

// Job interface that all scheduled jobs must implement
type Job interface {
	Run(ctx context.Context) error
	GetNextRunTime() time.Time
}

// Locker elects a single instance for each run. services.RedisService
// implements it.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, lockValue string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error)
}

// JobScheduler manages and runs scheduled jobs
type JobScheduler struct {
	jobs       map[string]Job
	timers     map[string]*time.Timer
	lastRuns   map[string]runResult
	locker     Locker
	instanceID string
	lockTTL    time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

type runResult struct {
	at  time.Time
	err error
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		jobs:     make(map[string]Job),
		timers:   make(map[string]*time.Timer),
		lastRuns: make(map[string]runResult),
		lockTTL:  10 * time.Minute,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLocker makes every run take a distributed lock first, so that only one
// instance sweeps budgets or expires approvals per tick
func (s *JobScheduler) SetLocker(locker Locker, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locker = locker
	s.instanceID = instanceID
}

// Register adds a job to the scheduler
func (s *JobScheduler) Register(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[name] = job
	log.Printf("✅ [SCHEDULER] Registered job: %s", name)
}

// Start begins running all registered jobs
func (s *JobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.running = true
	log.Printf("🚀 [SCHEDULER] Starting job scheduler with %d jobs", len(s.jobs))

	for name, job := range s.jobs {
		s.scheduleJob(name, job)
	}

	return nil
}

// scheduleJob schedules a single job. Callers hold s.mu.
func (s *JobScheduler) scheduleJob(name string, job Job) {
	nextRun := job.GetNextRunTime()
	duration := time.Until(nextRun)

	log.Printf("⏰ [SCHEDULER] Job '%s' scheduled to run at %s (in %v)",
		name, nextRun.Format(time.RFC3339), duration)

	s.timers[name] = time.AfterFunc(duration, func() {
		s.runJob(name, job)
	})
}

// runJob executes a job and reschedules it
func (s *JobScheduler) runJob(name string, job Job) {
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.execute(name, job); err != nil {
		log.Printf("❌ [SCHEDULER] Job '%s' failed: %v", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.scheduleJob(name, job)
	}
}

func (s *JobScheduler) execute(name string, job Job) error {
	s.mu.Lock()
	locker, instanceID := s.locker, s.instanceID
	s.mu.Unlock()

	if locker != nil {
		lockKey := "scheduler:lock:" + name
		ok, err := locker.AcquireLock(s.ctx, lockKey, instanceID, s.lockTTL)
		if err != nil {
			return err
		}
		if !ok {
			log.Printf("⏭️  [SCHEDULER] Job '%s' is running on another instance", name)
			return nil
		}
		defer locker.ReleaseLock(context.WithoutCancel(s.ctx), lockKey, instanceID)
	}

	log.Printf("▶️  [SCHEDULER] Running job: %s", name)
	startTime := time.Now()

	err := job.Run(s.ctx)

	s.mu.Lock()
	s.lastRuns[name] = runResult{at: startTime.UTC(), err: err}
	s.mu.Unlock()

	if err == nil {
		log.Printf("✅ [SCHEDULER] Job '%s' completed in %v", name, time.Since(startTime))
	}
	return err
}

// Stop gracefully stops all jobs
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.running = false

	for name, timer := range s.timers {
		timer.Stop()
		log.Printf("⏹️  [SCHEDULER] Stopped job: %s", name)
	}
	s.timers = make(map[string]*time.Timer)

	s.mu.Unlock()

	// Cancel context and wait for running jobs
	s.cancel()
	s.wg.Wait()

	log.Println("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow immediately runs a specific job, honouring the distributed lock
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return apperrors.New(apperrors.KindNotFound, "job %q is not registered", name)
	}

	log.Printf("🚀 [SCHEDULER] Running job '%s' immediately", name)
	return s.execute(name, job)
}

// GetStatus returns the status of all jobs
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]JobStatus)
	for name, job := range s.jobs {
		st := JobStatus{
			Name:        name,
			NextRunTime: job.GetNextRunTime(),
			Registered:  true,
		}
		if last, ok := s.lastRuns[name]; ok {
			at := last.at
			st.LastRunTime = &at
			if last.err != nil {
				st.LastError = last.err.Error()
			}
		}
		status[name] = st
	}

	return status
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string     `json:"name"`
	NextRunTime time.Time  `json:"next_run_time"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Registered  bool       `json:"registered"`
}
