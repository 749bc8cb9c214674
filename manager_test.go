package freehp

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "freehp/manager")
}

func newTestManager(queueSize int) *Manager {
	cfg := &Config{
		QueueSize:      queueSize,
		BlockTime:      3600,
		MaxFailTimes:   2,
		MinAnonymity:   0,
		CheckInterval:  300,
		CheckerClients: 1,
	}
	m := NewManager(cfg, nil, nil, nil)
	m.clock = func() int64 { return 1000 }
	return m
}

var _ = Describe("Manager admission", func() {
	It("admits a new address onto waitQueue", func() {
		m := newTestManager(2)
		m.AddProxy("1.2.3.4:80")

		Expect(m.seen).To(HaveKey("1.2.3.4:80"))
		Eventually(m.waitQueue).Should(Receive())
	})

	It("drops a re-scraped address still within blockTime", func() {
		m := newTestManager(2)
		m.AddProxy("1.2.3.4:80")
		Eventually(m.waitQueue).Should(Receive())

		m.AddProxy("1.2.3.4:80")
		Consistently(m.waitQueue).ShouldNot(Receive())
	})
})

var _ = Describe("Manager feedback", func() {
	It("promotes a successful check into active when there is room", func() {
		m := newTestManager(2)
		record := NewProxyRecord("1.2.3.4:80", 1000)
		m.mu.Lock()
		m.seen[record.Address] = record
		m.mu.Unlock()

		m.feedback(record, CheckResult{OK: true, Anonymity: AnonymityElite})

		Expect(m.active.Has(record.Address)).To(BeTrue())
		Expect(record.GetStatus()).To(Equal(StatusActive))
	})

	It("sends a failing record to backup while under the fail-streak limit", func() {
		m := newTestManager(2)
		record := NewProxyRecord("1.2.3.4:80", 1000)
		m.mu.Lock()
		m.seen[record.Address] = record
		m.mu.Unlock()

		m.feedback(record, CheckResult{OK: false})

		Expect(m.backup.Has(record.Address)).To(BeTrue())
		Expect(record.GetStatus()).To(Equal(StatusBackup))
	})

	It("discards a record once its fail streak exceeds maxFailTimes", func() {
		m := newTestManager(2)
		record := NewProxyRecord("1.2.3.4:80", 1000)
		m.mu.Lock()
		m.seen[record.Address] = record
		m.mu.Unlock()

		m.feedback(record, CheckResult{OK: false})
		m.feedback(record, CheckResult{OK: false})
		m.feedback(record, CheckResult{OK: false})

		Expect(record.GetStatus()).To(Equal(StatusDiscarded))
		Expect(m.active.Has(record.Address)).To(BeFalse())
		Expect(m.backup.Has(record.Address)).To(BeFalse())
		Expect(m.seen).To(HaveKey(record.Address))
	})

	It("evicts the worst active member when a better candidate arrives, demoting it to backup", func() {
		m := newTestManager(1)

		worst := NewProxyRecord("1.1.1.1:80", 1000)
		m.mu.Lock()
		m.seen[worst.Address] = worst
		m.mu.Unlock()
		m.feedback(worst, CheckResult{OK: true, Anonymity: AnonymityElite})
		Expect(m.active.Has(worst.Address)).To(BeTrue())

		better := NewProxyRecord("2.2.2.2:80", 1000)
		better.RecordSuccess()
		better.RecordSuccess()
		better.RecordSuccess()
		m.mu.Lock()
		m.seen[better.Address] = better
		m.mu.Unlock()

		m.feedback(better, CheckResult{OK: true, Anonymity: AnonymityElite})

		Expect(m.active.Has(better.Address)).To(BeTrue())
		Expect(m.active.Has(worst.Address)).To(BeFalse())
		Expect(m.backup.Has(worst.Address)).To(BeTrue())
		Expect(worst.GetStatus()).To(Equal(StatusBackup))
	})

	It("filters records below minAnonymity to backup instead of active", func() {
		m := newTestManager(2)
		m.cfg.MinAnonymity = AnonymityAnonymous

		record := NewProxyRecord("1.2.3.4:80", 1000)
		m.mu.Lock()
		m.seen[record.Address] = record
		m.mu.Unlock()

		m.feedback(record, CheckResult{OK: true, Anonymity: AnonymityTransparent})

		Expect(m.active.Has(record.Address)).To(BeFalse())
		Expect(m.backup.Has(record.Address)).To(BeTrue())
	})
})

var _ = Describe("Manager.Proxies", func() {
	It("orders by rate descending by default and honours count", func() {
		m := newTestManager(3)

		low := NewProxyRecord("1.1.1.1:80", 1000)
		low.RecordSuccess()
		m.mu.Lock()
		m.seen[low.Address] = low
		m.mu.Unlock()
		m.feedback(low, CheckResult{OK: true, Anonymity: AnonymityElite})

		high := NewProxyRecord("2.2.2.2:80", 1000)
		high.RecordSuccess()
		high.RecordSuccess()
		high.RecordSuccess()
		m.mu.Lock()
		m.seen[high.Address] = high
		m.mu.Unlock()
		m.feedback(high, CheckResult{OK: true, Anonymity: AnonymityElite})

		views := m.Proxies(1, "rate", false, false, 0)
		Expect(views).To(HaveLen(1))
		Expect(views[0].Address).To(Equal(high.Address))
	})

	It("filters by https support", func() {
		m := newTestManager(2)
		record := NewProxyRecord("1.2.3.4:80", 1000)
		m.mu.Lock()
		m.seen[record.Address] = record
		m.mu.Unlock()
		m.feedback(record, CheckResult{OK: true, Anonymity: AnonymityElite})

		Expect(m.Proxies(0, "rate", true, false, 0)).To(BeEmpty())

		record.SetCapabilities(true, false)
		Expect(m.Proxies(0, "rate", true, false, 0)).To(HaveLen(1))
	})
})

var _ = Describe("Manager block-list GC", func() {
	It("forgets a discarded record once blockTime has elapsed", func() {
		m := newTestManager(2)
		record := NewProxyRecord("1.2.3.4:80", 1000)
		record.SetStatus(StatusDiscarded)
		m.mu.Lock()
		m.seen[record.Address] = record
		m.mu.Unlock()

		m.clock = func() int64 { return 1000 + int64(m.cfg.BlockTime) + 1 }
		m.gcBlockList()

		Expect(m.seen).NotTo(HaveKey(record.Address))
	})
})
