package freehp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "freehp/api")
}

func newTestAPI() (*API, *Manager) {
	m := newTestManager(10)
	a := NewAPI(m, m.cfg, nil)
	return a, m
}

func admitAndRank(m *Manager, addr string, anonymity int, https bool) {
	record := NewProxyRecord(addr, 1000)
	m.mu.Lock()
	m.seen[addr] = record
	m.mu.Unlock()
	m.feedback(record, CheckResult{OK: true, Anonymity: anonymity})
	record.SetCapabilities(https, false)
}

var _ = Describe("API /proxies", func() {
	It("returns bare addresses by default", func() {
		a, m := newTestAPI()
		admitAndRank(m, "1.2.3.4:80", AnonymityElite, false)

		req := httptest.NewRequest(http.MethodGet, "/proxies", nil)
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		var addrs []string
		Expect(json.Unmarshal(w.Body.Bytes(), &addrs)).To(Succeed())
		Expect(addrs).To(ContainElement("1.2.3.4:80"))
	})

	It("returns an empty JSON array, not an error, when nothing matches", func() {
		a, _ := newTestAPI()
		req := httptest.NewRequest(http.MethodGet, "/proxies?https", nil)
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(MatchJSON(`[]`))
	})

	It("returns detail objects with the reported timestamp offset by checkInterval", func() {
		a, m := newTestAPI()
		m.cfg.CheckInterval = 300
		admitAndRank(m, "1.2.3.4:80", AnonymityElite, true)

		req := httptest.NewRequest(http.MethodGet, "/proxies?detail", nil)
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, req)

		var details []map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &details)).To(Succeed())
		Expect(details).To(HaveLen(1))
		Expect(details[0]["address"]).To(Equal("1.2.3.4:80"))
		Expect(details[0]["https"]).To(Equal(true))
		Expect(details[0]["timestamp"]).To(Equal(float64(700)))
	})

	It("filters by min_anonymity", func() {
		a, m := newTestAPI()
		admitAndRank(m, "1.2.3.4:80", AnonymityTransparent, false)

		req := httptest.NewRequest(http.MethodGet, "/proxies?min_anonymity=1", nil)
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, req)

		var addrs []string
		Expect(json.Unmarshal(w.Body.Bytes(), &addrs)).To(Succeed())
		Expect(addrs).To(BeEmpty())
	})
})

var _ = Describe("API /stats", func() {
	It("reports tier sizes as JSON", func() {
		a, m := newTestAPI()
		admitAndRank(m, "1.2.3.4:80", AnonymityElite, false)

		req := httptest.NewRequest(http.MethodGet, "/stats", nil)
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, req)

		var stats ManagerStats
		Expect(json.Unmarshal(w.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats.Active).To(Equal(1))
	})
})
