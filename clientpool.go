package freehp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/grishkovelli/freehp/pkg/priorityindex"
)

// ErrNoProxyAvailable is returned by GetProxy when no candidate is ranked,
// matching freehp.errors.NoProxyAvailable in the Python original.
var ErrNoProxyAvailable = errors.New("freehp: no proxy available")

const poolRatio = 0.8

// proxyDetail mirrors the JSON shape the HTTP API's detail objects use
// (see ProxyRecordView.detailJSON), so ClientPool can decode a /proxies?detail response.
type proxyDetail struct {
	Address   string `json:"address"`
	Success   int    `json:"success"`
	Fail      int    `json:"fail"`
	Timestamp int64  `json:"timestamp"`
	Anonymity int    `json:"anonymity"`
	HTTPS     bool   `json:"https"`
	POST      bool   `json:"post"`
}

// blockEntry is one pending trash-expiry: addr became trash at timestamp.
type blockEntry struct {
	addr      string
	timestamp int64
}

func clientPoolWorstPriority(r *ProxyRecord) evictPriority {
	return evictPriority{a: -r.SmoothedRate(), b: -float64(r.GetTimestamp())}
}

func clientBackupWorstPriority(r *ProxyRecord) evictPriority {
	return evictPriority{a: -r.SmoothedRate(), b: float64(r.FailStreak())}
}

func clientBackupBestPriority(r *ProxyRecord) evictPriority {
	return evictPriority{a: r.SmoothedRate(), b: -float64(r.FailStreak())}
}

// ClientPool is the adaptive client-side library: it polls the HTTP API
// for ranked proxies and maintains its own pool/backup/trash tiers with
// user feedback, per spec.md §4.5.
type ClientPool struct {
	agentURL       string
	httpClient     *http.Client
	timeout        time.Duration
	blockTime      int
	maxFailTimes   int
	updateInterval time.Duration

	mu         sync.Mutex
	proxies    map[string]*ProxyRecord
	trash      map[string]*ProxyRecord
	blockQueue []blockEntry

	poolSelect *priorityindex.Index[string, *ProxyRecord, timePriority]
	poolWorst  *priorityindex.Index[string, *ProxyRecord, evictPriority]

	backupSelect *priorityindex.Index[string, *ProxyRecord, timePriority]
	backupWorst  *priorityindex.Index[string, *ProxyRecord, evictPriority]
	backupBest   *priorityindex.Index[string, *ProxyRecord, evictPriority]

	lastUpdate int64
	clock      func() int64
}

// NewClientPool builds a ClientPool polling agentURL, with a pool capacity
// of poolSize (and a backup capacity of 5x that, per spec.md §4.5).
func NewClientPool(agentURL string, poolSize, blockTime, maxFailTimes int, updateInterval, timeout time.Duration) *ClientPool {
	backupSize := poolSize * 5
	return &ClientPool{
		agentURL:       agentURL,
		httpClient:     &http.Client{Timeout: timeout},
		timeout:        timeout,
		blockTime:      blockTime,
		maxFailTimes:   maxFailTimes,
		updateInterval: updateInterval,

		proxies: make(map[string]*ProxyRecord),
		trash:   make(map[string]*ProxyRecord),

		poolSelect: priorityindex.New[string, *ProxyRecord, timePriority](poolSize),
		poolWorst:  priorityindex.New[string, *ProxyRecord, evictPriority](poolSize),

		backupSelect: priorityindex.New[string, *ProxyRecord, timePriority](backupSize),
		backupWorst:  priorityindex.New[string, *ProxyRecord, evictPriority](backupSize),
		backupBest:   priorityindex.New[string, *ProxyRecord, evictPriority](backupSize),

		clock: func() int64 { return time.Now().Unix() },
	}
}

func (p *ClientPool) now() int64 { return p.clock() }

// GetProxy refreshes the ranking if due, then returns one address, biased
// toward the pool by poolRatio and round-robining among ties by
// refreshing the selected record's selection timestamp.
func (p *ClientPool) GetProxy(ctx context.Context) (string, error) {
	p.maybeRefresh(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.poolSelect.Len() == 0 && p.backupSelect.Len() == 0 {
		return "", ErrNoProxyAvailable
	}

	usePool := p.backupSelect.Len() == 0
	if !usePool && p.poolSelect.Len() > 0 {
		usePool = rand.Float64() < poolRatio
	}

	if usePool {
		return p.selectLocked(p.poolSelect), nil
	}
	return p.selectLocked(p.backupSelect), nil
}

func (p *ClientPool) selectLocked(sel *priorityindex.Index[string, *ProxyRecord, timePriority]) string {
	key, _ := sel.TopKey()
	record, _ := sel.Get(key)
	sel.Push(key, record, timePriority(-p.now()))
	return key
}

// FeedBack reports the outcome of using addr, per spec.md §4.5's FeedBack rule.
func (p *ClientPool) FeedBack(addr string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	record, known := p.proxies[addr]
	if !known {
		trashed, inTrash := p.trash[addr]
		if !inTrash || trashed.FailStreak() > p.maxFailTimes {
			return
		}
		if ok {
			trashed.RecordSuccess()
			delete(p.trash, addr)
			trashed.SetTimestamp(now)
			p.addProxyLocked(trashed)
		} else {
			trashed.RecordFailure()
		}
		return
	}

	switch record.GetStatus() {
	case StatusActive:
		p.popPoolLocked(record)
	case StatusBackup:
		p.popBackupLocked(record)
	}
	record.SetTimestamp(now)

	// pending is the record still needing a tier placement; nil once it
	// has been fully handled (placed in pool, or thrown to trash).
	pending := record

	if ok {
		record.RecordSuccess()
		if !p.poolSelect.IsFull() {
			p.pushPoolLocked(record)
			pending = nil
		} else if worstKey, has := p.poolWorst.TopKey(); has {
			worst, _ := p.poolWorst.Get(worstKey)
			if betterThan(record, worst) {
				p.popPoolLocked(worst)
				p.pushPoolLocked(record)
				pending = worst
			}
		}
	} else {
		record.RecordFailure()
		if record.FailStreak() > p.maxFailTimes {
			p.throwLocked(record)
			pending = nil
		}
		// Promoting backup's best into a freed pool slot runs regardless
		// of whether this record itself was just thrown to trash.
		if !p.poolSelect.IsFull() && p.backupSelect.Len() > 0 {
			if bestKey, has := p.backupBest.TopKey(); has {
				best, _ := p.backupBest.Get(bestKey)
				p.popBackupLocked(best)
				p.pushPoolLocked(best)
			}
		}
	}

	if pending != nil {
		p.pushBackupLocked(pending)
	}
}

// betterThan reports whether a should displace b from a full pool:
// higher smoothed rate wins, ties broken by the more recently timestamped.
func betterThan(a, b *ProxyRecord) bool {
	ar, br := a.SmoothedRate(), b.SmoothedRate()
	if ar != br {
		return ar > br
	}
	return a.GetTimestamp() > b.GetTimestamp()
}

// betterThanForBackupAdmission reports whether a should displace b from a
// full backup tier when admitting a brand-new record: higher smoothed rate
// wins, ties broken by the shorter fail streak, further ties by the more
// recently timestamped.
func betterThanForBackupAdmission(a, b *ProxyRecord) bool {
	ar, br := a.SmoothedRate(), b.SmoothedRate()
	if ar != br {
		return ar > br
	}
	if a.FailStreak() != b.FailStreak() {
		return a.FailStreak() < b.FailStreak()
	}
	return a.GetTimestamp() > b.GetTimestamp()
}

// addProxyLocked admits a record not currently tracked (fresh from the
// API, or resurrected from trash): pool if there's room, else backup if
// it beats the worst backup member, else trash.
func (p *ClientPool) addProxyLocked(record *ProxyRecord) {
	p.proxies[record.Address] = record

	if !p.poolSelect.IsFull() {
		p.pushPoolLocked(record)
		return
	}
	if !p.backupSelect.IsFull() {
		p.pushBackupLocked(record)
		return
	}

	worstKey, has := p.backupWorst.TopKey()
	if has {
		worst, _ := p.backupWorst.Get(worstKey)
		if betterThanForBackupAdmission(record, worst) {
			p.popBackupLocked(worst)
			p.pushBackupLocked(record)
			p.throwLocked(worst)
			return
		}
	}
	p.throwLocked(record)
}

func (p *ClientPool) pushPoolLocked(record *ProxyRecord) {
	p.proxies[record.Address] = record
	record.SetStatus(StatusActive)
	p.poolSelect.Push(record.Address, record, timePriority(-p.now()))
	p.poolWorst.Push(record.Address, record, clientPoolWorstPriority(record))
}

func (p *ClientPool) popPoolLocked(record *ProxyRecord) {
	p.poolSelect.Delete(record.Address)
	p.poolWorst.Delete(record.Address)
}

func (p *ClientPool) pushBackupLocked(record *ProxyRecord) {
	p.proxies[record.Address] = record
	record.SetStatus(StatusBackup)
	p.backupSelect.Push(record.Address, record, timePriority(-p.now()))
	p.backupWorst.Push(record.Address, record, clientBackupWorstPriority(record))
	p.backupBest.Push(record.Address, record, clientBackupBestPriority(record))
}

func (p *ClientPool) popBackupLocked(record *ProxyRecord) {
	p.backupSelect.Delete(record.Address)
	p.backupWorst.Delete(record.Address)
	p.backupBest.Delete(record.Address)
}

// throwLocked discards record into trash (only if it was ever actually
// checked) and schedules its block-queue expiry.
func (p *ClientPool) throwLocked(record *ProxyRecord) {
	delete(p.proxies, record.Address)
	if _, already := p.trash[record.Address]; already {
		return
	}
	if record.Good+record.Bad == 0 {
		return
	}
	now := p.now()
	record.SetTimestamp(now)
	record.SetStatus(StatusTrash)
	p.trash[record.Address] = record
	p.blockQueue = append(p.blockQueue, blockEntry{addr: record.Address, timestamp: now})
}

// maybeRefresh polls the agent once updateInterval has elapsed since the
// last successful refresh, matching the original's _check_update throttle.
func (p *ClientPool) maybeRefresh(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	if now < p.lastUpdate {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	details, err := fetchProxyDetails(ctx, p.httpClient, p.agentURL)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeExpiredBlocksLocked()
	for _, d := range details {
		if _, known := p.proxies[d.Address]; known {
			continue // known addresses keep their existing state, per spec.md §4.5
		}
		fresh := NewProxyRecord(d.Address, now)
		fresh.BaseRate = baseRateFromCounts(d.Success, d.Fail)
		p.addNewProxyLocked(fresh)
	}

	if p.poolSelect.Len()+p.backupSelect.Len() > 0 {
		p.lastUpdate = now + int64(p.updateInterval.Seconds())
	}
}

// addNewProxyLocked resurrects addr from trash if its prior fail streak
// was acceptable, otherwise admits it as a brand new candidate.
func (p *ClientPool) addNewProxyLocked(record *ProxyRecord) {
	if trashed, inTrash := p.trash[record.Address]; inTrash {
		if trashed.FailStreak() > p.maxFailTimes {
			return
		}
		delete(p.trash, record.Address)
		trashed.SetTimestamp(record.GetTimestamp())
		p.addProxyLocked(trashed)
		return
	}
	if _, known := p.proxies[record.Address]; known {
		return
	}
	p.addProxyLocked(record)
}

// removeExpiredBlocksLocked prunes the front of blockQueue (it's
// append-ordered, so always oldest-first) and forgets trashed addresses
// whose block has elapsed.
func (p *ClientPool) removeExpiredBlocksLocked() {
	now := p.now()
	i := 0
	for ; i < len(p.blockQueue); i++ {
		entry := p.blockQueue[i]
		if entry.timestamp+int64(p.blockTime) > now {
			break
		}
		if trashed, ok := p.trash[entry.addr]; ok && trashed.GetTimestamp() <= entry.timestamp {
			delete(p.trash, entry.addr)
		}
	}
	p.blockQueue = p.blockQueue[i:]
}

func baseRateFromCounts(success, fail int) float64 {
	return 0.8 * float64(success) / float64(success+fail+1)
}

// fetchProxyDetails issues the detail-mode GET against agentURL.
func fetchProxyDetails(ctx context.Context, client *http.Client, agentURL string) ([]proxyDetail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"?detail", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("freehp: client pool refresh: unexpected status %d", resp.StatusCode)
	}

	var details []proxyDetail
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, err
	}
	return details, nil
}

// SimpleClientPool is a degenerate client pool: a flat list filtered by an
// optional minSuccessRate/minCount floor, with uniform-random selection.
type SimpleClientPool struct {
	agentURL       string
	httpClient     *http.Client
	updateInterval time.Duration
	minSuccessRate float64
	minCount       int

	mu         sync.Mutex
	proxies    []string
	lastUpdate int64
	clock      func() int64
}

// NewSimpleClientPool builds a SimpleClientPool polling agentURL.
func NewSimpleClientPool(agentURL string, minSuccessRate float64, minCount int, updateInterval, timeout time.Duration) *SimpleClientPool {
	return &SimpleClientPool{
		agentURL:       agentURL,
		httpClient:     &http.Client{Timeout: timeout},
		updateInterval: updateInterval,
		minSuccessRate: minSuccessRate,
		minCount:       minCount,
		clock:          func() int64 { return time.Now().Unix() },
	}
}

func (p *SimpleClientPool) now() int64 { return p.clock() }

// GetProxy refreshes if due and returns a uniformly-random address.
func (p *SimpleClientPool) GetProxy(ctx context.Context) (string, error) {
	p.maybeRefresh(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return "", ErrNoProxyAvailable
	}
	return p.proxies[rand.Intn(len(p.proxies))], nil
}

func (p *SimpleClientPool) maybeRefresh(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	if now < p.lastUpdate {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	details, err := fetchProxyDetails(ctx, p.httpClient, p.agentURL)
	if err != nil {
		return
	}

	res := make([]string, 0, len(details))
	for _, d := range details {
		if p.minSuccessRate <= 0 {
			res = append(res, d.Address)
			continue
		}
		if float64(d.Success) >= p.minSuccessRate*float64(d.Success+d.Fail) {
			res = append(res, d.Address)
		} else if p.minCount > 0 && len(res) < p.minCount {
			res = append(res, d.Address)
		} else {
			break
		}
	}

	p.mu.Lock()
	p.proxies = res
	p.lastUpdate = now + int64(p.updateInterval.Seconds())
	p.mu.Unlock()
}
