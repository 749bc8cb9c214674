package freehp

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRecord(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "freehp/record")
}

var _ = Describe("ProxyRecord", func() {
	var r *ProxyRecord

	BeforeEach(func() {
		r = NewProxyRecord("1.2.3.4:8080", 1000)
	})

	It("starts NEW with a zero rate", func() {
		Expect(r.GetStatus()).To(Equal(StatusNew))
		Expect(r.Rate()).To(Equal(0.0))
	})

	Describe("Rate", func() {
		It("is good / (good + bad + 1)", func() {
			r.RecordSuccess()
			r.RecordSuccess()
			r.RecordFailure()
			Expect(r.Rate()).To(BeNumerically("~", 2.0/4.0, 1e-9))
		})
	})

	Describe("FailStreak", func() {
		It("resets to zero on success", func() {
			r.RecordFailure()
			r.RecordFailure()
			Expect(r.FailStreak()).To(Equal(2))

			r.RecordSuccess()
			Expect(r.FailStreak()).To(Equal(0))
		})
	})

	Describe("SmoothedRate", func() {
		It("blends toward BaseRate while warming up", func() {
			r.BaseRate = 0.5
			r.RecordSuccess()

			rate := r.SmoothedRate()
			Expect(rate).To(BeNumerically(">", 0))
			Expect(rate).To(BeNumerically("<", 1))
		})

		It("ignores BaseRate once 10 observations have accumulated", func() {
			r.BaseRate = 0.9
			for i := 0; i < 10; i++ {
				r.RecordSuccess()
			}
			Expect(r.SmoothedRate()).To(BeNumerically("~", r.Rate(), 1e-9))
		})
	})

	Describe("Snapshot", func() {
		It("copies the current counters without races on the live record", func() {
			r.RecordSuccess()
			r.SetAnonymity(AnonymityElite)
			r.SetCapabilities(true, false)

			v := r.Snapshot()
			Expect(v.Address).To(Equal("1.2.3.4:8080"))
			Expect(v.Good).To(Equal(1))
			Expect(v.Anonymity).To(Equal(AnonymityElite))
			Expect(v.SupportsHTTPS).To(BeTrue())
			Expect(v.SupportsPOST).To(BeFalse())
		})
	})
})
