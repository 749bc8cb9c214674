package freehp

import (
	"encoding/json"
	"math"
	"sync"
)

//  ██████╗ ███████╗ ██████╗ ██████╗ ██████╗ ██████╗
//  ██╔══██╗██╔════╝██╔════╝██╔══██╗██╔══██╗██╔══██╗
//  ██████╔╝█████╗  ██║     ██║  ██║██████╔╝██║  ██║
//  ██╔══██╗██╔══╝  ██║     ██║  ██║██╔══██╗██║  ██║
//  ██║  ██║███████╗╚██████╗╚██████╔╝██║  ██║██████╔╝
//  ╚═╝  ╚═╝╚══════╝ ╚═════╝ ╚═════╝ ╚═╝  ╚═╝╚═════╝
//

// Status is the lifecycle state of a ProxyRecord. On the manager it walks
// NEW -> IN_ACTIVE|IN_BACKUP -> DISCARDED; on the client pool the same
// states describe the pool/backup tiers, plus StatusTrash for the
// discarded-but-recently-seen holding area.
type Status int

const (
	StatusNew Status = iota
	StatusActive
	StatusBackup
	StatusDiscarded
	StatusTrash
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusActive:
		return "IN_ACTIVE"
	case StatusBackup:
		return "IN_BACKUP"
	case StatusDiscarded:
		return "DISCARDED"
	case StatusTrash:
		return "TRASH"
	default:
		return "UNKNOWN"
	}
}

// Anonymity levels, per spec.md's glossary.
const (
	AnonymityTransparent = 0
	AnonymityAnonymous   = 1
	AnonymityElite       = 2
)

// ProxyRecord is the canonical value object for a proxy candidate. The same
// type serves both the manager (server-side ranking) and the client pool
// (client-side ranking): Timestamp means "next check time" on the server
// and "last use time" on the client; BaseRate is only populated and used on
// the client side, seeded from the API's reported success/fail counts.
type ProxyRecord struct {
	Address       string
	Timestamp     int64
	Good          int
	Bad           int
	Fail          int
	Anonymity     int
	SupportsHTTPS bool
	SupportsPOST  bool
	Status        Status
	BaseRate      float64

	m sync.RWMutex
}

// NewProxyRecord creates a freshly-admitted record with the given next
// check time (or last-use time, on the client).
func NewProxyRecord(address string, timestamp int64) *ProxyRecord {
	return &ProxyRecord{Address: address, Timestamp: timestamp, Status: StatusNew}
}

// Rate is the server-side success rate: good / (good + bad + 1).
func (r *ProxyRecord) Rate() float64 {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.rateLocked()
}

func (r *ProxyRecord) rateLocked() float64 {
	return float64(r.Good) / float64(r.Good+r.Bad+1)
}

// SmoothedRate is the client-side rate: a warm-up blend of the observed
// rate and BaseRate for the first 10 observations, then the plain rate.
// See spec.md §3.
func (r *ProxyRecord) SmoothedRate() float64 {
	r.m.RLock()
	defer r.m.RUnlock()

	total := r.Good + r.Bad
	if total >= 10 {
		return r.rateLocked()
	}
	rho := 2 * (1/(1+math.Pow(2, float64(-total))) - 0.5)
	return rho*float64(r.Good)/float64(total+1) + (1-rho)*r.BaseRate
}

// RecordSuccess marks a successful probe/use: good++, fail reset to 0.
func (r *ProxyRecord) RecordSuccess() {
	r.m.Lock()
	defer r.m.Unlock()
	r.Good++
	r.Fail = 0
}

// RecordFailure marks a failed probe/use: bad++, fail++.
func (r *ProxyRecord) RecordFailure() {
	r.m.Lock()
	defer r.m.Unlock()
	r.Bad++
	r.Fail++
}

// FailStreak returns the current consecutive-failure counter.
func (r *ProxyRecord) FailStreak() int {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.Fail
}

// SetTimestamp updates the next-check (or last-use) time.
func (r *ProxyRecord) SetTimestamp(t int64) {
	r.m.Lock()
	defer r.m.Unlock()
	r.Timestamp = t
}

// GetTimestamp reads the next-check (or last-use) time.
func (r *ProxyRecord) GetTimestamp() int64 {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.Timestamp
}

// SetStatus transitions the record's lifecycle state.
func (r *ProxyRecord) SetStatus(s Status) {
	r.m.Lock()
	defer r.m.Unlock()
	r.Status = s
}

// GetStatus reads the record's lifecycle state.
func (r *ProxyRecord) GetStatus() Status {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.Status
}

// SetAnonymity records the last-observed anonymity level.
func (r *ProxyRecord) SetAnonymity(level int) {
	r.m.Lock()
	defer r.m.Unlock()
	r.Anonymity = level
}

// SetCapabilities records the last-observed HTTPS/POST support.
func (r *ProxyRecord) SetCapabilities(https, post bool) {
	r.m.Lock()
	defer r.m.Unlock()
	r.SupportsHTTPS = https
	r.SupportsPOST = post
}

// Snapshot returns a point-in-time copy safe to read without holding the
// record's lock (the copy excludes the mutex itself).
func (r *ProxyRecord) Snapshot() ProxyRecordView {
	r.m.RLock()
	defer r.m.RUnlock()
	return ProxyRecordView{
		Address:       r.Address,
		Timestamp:     r.Timestamp,
		Good:          r.Good,
		Bad:           r.Bad,
		Fail:          r.Fail,
		Anonymity:     r.Anonymity,
		SupportsHTTPS: r.SupportsHTTPS,
		SupportsPOST:  r.SupportsPOST,
		Status:        r.Status,
		Rate:          r.rateLocked(),
	}
}

// ProxyRecordView is an immutable, lock-free snapshot of a ProxyRecord, fit
// for JSON encoding or for use after a priority-index lookup.
type ProxyRecordView struct {
	Address       string  `json:"address"`
	Timestamp     int64   `json:"timestamp"`
	Good          int     `json:"success"`
	Bad           int     `json:"fail"`
	Fail          int     `json:"-"`
	Anonymity     int     `json:"anonymity"`
	SupportsHTTPS bool    `json:"https"`
	SupportsPOST  bool    `json:"post"`
	Status        Status  `json:"-"`
	Rate          float64 `json:"-"`
}

// detailJSON implements the detail object shape from spec.md §4.6: the
// reported timestamp is the *last check time* (Timestamp - checkInterval),
// supplied by the caller since the view itself doesn't know checkInterval.
func (v ProxyRecordView) detailJSON(checkInterval int64) ([]byte, error) {
	type alias ProxyRecordView
	return json.Marshal(&struct {
		Timestamp int64 `json:"timestamp"`
		alias
	}{
		Timestamp: v.Timestamp - checkInterval,
		alias:     alias(v),
	})
}
