package freehp

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/grishkovelli/freehp/pkg/priorityindex"
)

// evictPriority orders a tier so that Top() returns its worst member: the
// lowest-rate record, ties broken by the second component. Active uses
// (-rate, -timestamp); backup uses (-rate, fail), matching spec.md §4.4's
// "(rate, timestamp)" / "(rate, -fail)" ascending-for-eviction orderings.
type evictPriority struct {
	a, b float64
}

func (p evictPriority) Less(other evictPriority) bool {
	if p.a != other.a {
		return p.a < other.a
	}
	return p.b < other.b
}

// timePriority orders timeLine so that Top() returns the record with the
// smallest (soonest) actual timestamp: it stores -timestamp.
type timePriority int64

func (p timePriority) Less(other timePriority) bool { return p < other }

func activeEvictPriority(r *ProxyRecord) evictPriority {
	return evictPriority{a: -r.Rate(), b: -float64(r.GetTimestamp())}
}

func backupEvictPriority(r *ProxyRecord) evictPriority {
	return evictPriority{a: -r.Rate(), b: float64(r.FailStreak())}
}

func timelinePriority(r *ProxyRecord) timePriority {
	return timePriority(-r.GetTimestamp())
}

// workerState tracks one supervised goroutine so the supervisor sweep can
// report dead workers without racing the table it walks (spec.md's Open
// Question #1: snapshot before iterating, rather than walking a live
// list another goroutine mutates).
type workerState struct {
	name  string
	alive bool
}

// Manager is the central orchestrator: dedup/admission, the two-tier
// priority ranking, the expiry scheduler, the check/label worker pools,
// block-list GC, and the supervisor. It owns all mutable ranking state
// behind a single mutex, per spec.md §5.
type Manager struct {
	cfg       *Config
	validator Validator
	store     Store
	metrics   *Metrics

	mu       sync.Mutex
	seen     map[string]*ProxyRecord
	active   *priorityindex.Index[string, *ProxyRecord, evictPriority]
	backup   *priorityindex.Index[string, *ProxyRecord, evictPriority]
	timeLine *priorityindex.Index[string, *ProxyRecord, timePriority]

	waitQueue  chan *ProxyRecord
	labelQueue chan *ProxyRecord

	workersMu sync.Mutex
	workers   []*workerState

	clock func() int64
}

// NewManager builds a Manager from cfg and a resolved Validator. store and
// metrics may be nil: a nil store means purely in-memory block-listing; a
// nil metrics disables Prometheus recording.
func NewManager(cfg *Config, validator Validator, store Store, metrics *Metrics) *Manager {
	if store == nil {
		store = NewMemStore()
	}
	return &Manager{
		cfg:        cfg,
		validator:  validator,
		store:      store,
		metrics:    metrics,
		seen:       make(map[string]*ProxyRecord),
		active:     priorityindex.New[string, *ProxyRecord, evictPriority](cfg.QueueSize),
		backup:     priorityindex.New[string, *ProxyRecord, evictPriority](cfg.BackupSize()),
		timeLine:   priorityindex.New[string, *ProxyRecord, timePriority](cfg.QueueSize + cfg.BackupSize()),
		waitQueue:  make(chan *ProxyRecord, cfg.QueueSize+cfg.BackupSize()),
		labelQueue: make(chan *ProxyRecord, cfg.QueueSize+cfg.BackupSize()),
		clock:      func() int64 { return time.Now().Unix() },
	}
}

func (m *Manager) now() int64 { return m.clock() }

// Run starts every logical task — N check workers, N label workers, the
// expiry loop, the block-list GC, and the supervisor — and blocks until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < m.cfg.CheckerClients; i++ {
		m.runSupervised(&wg, "check-worker", func() { m.checkWorkerLoop(ctx) })
	}
	for i := 0; i < m.cfg.CheckerClients; i++ {
		m.runSupervised(&wg, "label-worker", func() { m.labelWorkerLoop(ctx) })
	}
	m.runSupervised(&wg, "expiry-loop", func() { m.expiryLoop(ctx) })

	blockGC := cron.New()
	blockGC.AddFunc(fmt.Sprintf("@every %ds", m.cfg.BlockTime), m.gcBlockList)
	blockGC.Start()

	supervisor := cron.New()
	supervisor.AddFunc("@every 10m", m.superviseWorkers)
	supervisor.Start()

	<-ctx.Done()
	blockGC.Stop()
	supervisor.Stop()
	wg.Wait()
}

func (m *Manager) runSupervised(wg *sync.WaitGroup, name string, fn func()) {
	st := &workerState{name: name, alive: true}
	m.workersMu.Lock()
	m.workers = append(m.workers, st)
	m.workersMu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("freehp: worker %q panicked: %v", name, r)
			}
			m.workersMu.Lock()
			st.alive = false
			m.workersMu.Unlock()
		}()
		fn()
	}()
}

// superviseWorkers logs any worker that has stopped running. It snapshots
// the worker table under its own lock before inspecting it, so a
// concurrently-spawned or completing worker can never be observed
// half-appended (spec.md's Open Question #1).
func (m *Manager) superviseWorkers() {
	m.workersMu.Lock()
	snapshot := make([]*workerState, len(m.workers))
	copy(snapshot, m.workers)
	m.workersMu.Unlock()

	for _, st := range snapshot {
		if !st.alive {
			log.Printf("freehp: worker %q is not running (not auto-restarted)", st.name)
		}
	}
}

// AddProxy admits a freshly-scraped address, per spec.md §4.4's admission
// rule: known addresses still within blockTime are dropped; everything
// else gets a fresh record and a slot on waitQueue (dropped, not blocked,
// if the queue is full).
func (m *Manager) AddProxy(addr string) {
	now := m.now()

	m.mu.Lock()
	r, ok := m.seen[addr]
	if !ok {
		if ts, found, err := m.store.Find(addr); err == nil && found {
			r = NewProxyRecord(addr, ts)
			m.seen[addr] = r
			ok = true
		}
	}
	if ok && now-r.GetTimestamp() <= int64(m.cfg.BlockTime) {
		m.mu.Unlock()
		return
	}
	record := NewProxyRecord(addr, now)
	m.seen[addr] = record
	m.mu.Unlock()

	select {
	case m.waitQueue <- record:
	default:
		if m.metrics != nil {
			m.metrics.RecordQueueDrop("wait")
		}
	}
}

// expiryLoop repeatedly pops the next-to-expire record from timeLine and
// resubmits it for checking, sleeping 5s whenever nothing is due yet.
func (m *Manager) expiryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		record, ok := m.popExpired()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		select {
		case m.waitQueue <- record:
		default:
			if m.metrics != nil {
				m.metrics.RecordQueueDrop("wait")
			}
		}
	}
}

func (m *Manager) popExpired() (*ProxyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.timeLine.TopKey()
	if !ok {
		return nil, false
	}
	record, _ := m.timeLine.Get(key)
	if record.GetTimestamp() >= m.now() {
		return nil, false
	}

	m.timeLine.Delete(key)
	switch record.GetStatus() {
	case StatusActive:
		m.active.Delete(key)
	case StatusBackup:
		m.backup.Delete(key)
	}
	m.updateGauges()
	return record, true
}

// checkWorkerLoop is one of checkerClients workers: pop from waitQueue,
// probe, schedule the next check, and feed the result back into ranking.
func (m *Manager) checkWorkerLoop(ctx context.Context) {
	for {
		var record *ProxyRecord
		select {
		case <-ctx.Done():
			return
		case record = <-m.waitQueue:
		}

		runID := uuid.NewString()
		start := time.Now()
		result, err := m.validator.Check(ctx, record.Address, false)
		if err != nil {
			// context cancellation: not a failure, just stop.
			if m.metrics != nil {
				m.metrics.RecordValidation("cancelled", time.Since(start))
			}
			continue
		}
		if m.metrics != nil {
			outcome := "fail"
			if result.OK {
				outcome = "ok"
			}
			m.metrics.RecordValidation(outcome, time.Since(start))
		}

		record.SetTimestamp(m.now() + int64(m.cfg.CheckInterval))
		if err := m.store.Update(record.Address, record.GetTimestamp()); err != nil {
			log.Printf("freehp[%s]: persisting %q failed: %v", runID, record.Address, err)
		}

		m.feedback(record, result)

		if result.OK {
			select {
			case m.labelQueue <- record:
			default:
				if m.metrics != nil {
					m.metrics.RecordQueueDrop("label")
				}
			}
		}
	}
}

// feedback applies spec.md §4.4's Feedback rule under the manager lock.
func (m *Manager) feedback(record *ProxyRecord, result CheckResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.OK && result.Anonymity >= m.cfg.MinAnonymity {
		record.SetAnonymity(result.Anonymity)
		record.RecordSuccess()
		if !m.tryActiveLocked(record) {
			m.tryBackupLocked(record)
		}
		m.updateGauges()
		return
	}

	record.RecordFailure()
	if record.FailStreak() > m.cfg.MaxFailTimes {
		m.discardLocked(record)
	} else {
		m.tryBackupLocked(record)
	}
	m.updateGauges()
}

// tryActiveLocked attempts to (re)place record in active. Returns false
// if record does not belong in active (full, and not better than the
// current worst member).
func (m *Manager) tryActiveLocked(record *ProxyRecord) bool {
	key := record.Address
	if m.active.Has(key) {
		m.active.Push(key, record, activeEvictPriority(record))
		record.SetStatus(StatusActive)
		m.timeLine.Push(key, record, timelinePriority(record))
		return true
	}
	if !m.active.IsFull() {
		m.active.Push(key, record, activeEvictPriority(record))
		record.SetStatus(StatusActive)
		m.timeLine.Push(key, record, timelinePriority(record))
		return true
	}

	worstKey, _ := m.active.TopKey()
	worst, _ := m.active.Get(worstKey)
	if record.Rate() <= worst.Rate() {
		return false
	}

	m.active.Delete(worstKey)
	m.active.Push(key, record, activeEvictPriority(record))
	record.SetStatus(StatusActive)
	m.timeLine.Push(key, record, timelinePriority(record))

	worst.SetStatus(StatusNew)
	m.tryBackupLocked(worst)
	return true
}

// tryBackupLocked attempts to (re)place record in backup. If backup is
// full and record does not beat the worst member, record is dropped
// entirely (it stays in seen, blocked, until blockTime elapses).
func (m *Manager) tryBackupLocked(record *ProxyRecord) bool {
	key := record.Address
	if m.backup.Has(key) {
		m.backup.Push(key, record, backupEvictPriority(record))
		record.SetStatus(StatusBackup)
		m.timeLine.Push(key, record, timelinePriority(record))
		return true
	}
	if !m.backup.IsFull() {
		m.backup.Push(key, record, backupEvictPriority(record))
		record.SetStatus(StatusBackup)
		m.timeLine.Push(key, record, timelinePriority(record))
		return true
	}

	worstKey, _ := m.backup.TopKey()
	worst, _ := m.backup.Get(worstKey)
	if record.Rate() <= worst.Rate() {
		record.SetStatus(StatusNew)
		return false
	}

	m.backup.Delete(worstKey)
	m.timeLine.Delete(worstKey)
	worst.SetStatus(StatusDiscarded)

	m.backup.Push(key, record, backupEvictPriority(record))
	record.SetStatus(StatusBackup)
	m.timeLine.Push(key, record, timelinePriority(record))
	return true
}

// discardLocked removes record from active/backup/timeLine but leaves it
// in seen, blocking re-admission until blockTime elapses.
func (m *Manager) discardLocked(record *ProxyRecord) {
	key := record.Address
	m.active.Delete(key)
	m.backup.Delete(key)
	m.timeLine.Delete(key)
	record.SetStatus(StatusDiscarded)
}

// labelWorkerLoop is one of checkerClients workers that annotates already
// passing records with HTTPS/POST support, per spec.md §4.4 Label workers.
func (m *Manager) labelWorkerLoop(ctx context.Context) {
	for {
		var record *ProxyRecord
		select {
		case <-ctx.Done():
			return
		case record = <-m.labelQueue:
		}

		if record.GetTimestamp() < m.now() {
			continue
		}

		result, err := m.validator.Check(ctx, record.Address, true)
		if err != nil {
			continue
		}
		https := result.OK && result.Anonymity > AnonymityTransparent

		post, err := m.validator.VerifyPOST(ctx, record.Address)
		if err != nil {
			continue
		}
		record.SetCapabilities(https, post)
	}
}

// gcBlockList removes discarded and dropped (StatusNew) seen entries whose
// last timestamp is older than blockTime, so such an address can
// eventually be re-admitted. Records placed in active or backup are kept.
func (m *Manager) gcBlockList() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, record := range m.seen {
		status := record.GetStatus()
		if (status == StatusDiscarded || status == StatusNew) && now-record.GetTimestamp() > int64(m.cfg.BlockTime) {
			delete(m.seen, addr)
		}
	}
	if m.metrics != nil {
		m.metrics.SeenSize.Set(float64(len(m.seen)))
	}
}

// updateGauges refreshes the active/backup/seen size gauges. Callers must
// hold m.mu.
func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSize.Set(float64(m.active.Len()))
	m.metrics.BackupSize.Set(float64(m.backup.Len()))
	m.metrics.SeenSize.Set(float64(len(m.seen)))
}

// Proxies returns a filtered, ordered snapshot of active-tier records, per
// the query contract in spec.md §4.6. order is "rate" (default) or "time".
func (m *Manager) Proxies(count int, order string, httpsOnly, postOnly bool, minAnonymity int) []ProxyRecordView {
	m.mu.Lock()
	views := make([]ProxyRecordView, 0, m.active.Len())
	m.active.Each(func(_ string, r *ProxyRecord) {
		v := r.Snapshot()
		if httpsOnly && !v.SupportsHTTPS {
			return
		}
		if postOnly && !v.SupportsPOST {
			return
		}
		if v.Anonymity < minAnonymity {
			return
		}
		views = append(views, v)
	})
	m.mu.Unlock()

	sortViews(views, order)

	if count > 0 && count < len(views) {
		views = views[:count]
	}
	return views
}

// ManagerStats is a point-in-time snapshot of tier sizes, used by the
// /stats and /ws dashboard endpoints.
type ManagerStats struct {
	Active int `json:"active"`
	Backup int `json:"backup"`
	Seen   int `json:"seen"`
	Wait   int `json:"wait_queue"`
	Label  int `json:"label_queue"`
}

// Stats returns a snapshot of the manager's current tier sizes.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Active: m.active.Len(),
		Backup: m.backup.Len(),
		Seen:   len(m.seen),
		Wait:   len(m.waitQueue),
		Label:  len(m.labelQueue),
	}
}

// sortViews orders views by "time" (most recently checked first) or, by
// default, "rate" (highest success rate first), per spec.md §4.6.
func sortViews(views []ProxyRecordView, order string) {
	switch order {
	case "time":
		sort.Slice(views, func(i, j int) bool { return views[i].Timestamp > views[j].Timestamp })
	default:
		sort.Slice(views, func(i, j int) bool { return views[i].Rate > views[j].Rate })
	}
}
