package freehp

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "freehp/metrics")
}

var _ = Describe("Metrics", func() {
	It("registers without panicking and accepts recordings", func() {
		m := NewMetrics()
		Expect(m.Registry()).NotTo(BeNil())

		m.RecordValidation("ok", 10*time.Millisecond)
		m.RecordQueueDrop("wait")
		m.RecordAPIRequest("/proxies", "2xx", time.Millisecond)

		families, err := m.Registry().Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(len(families)).To(BeNumerically(">", 0))
	})
})
