package freehp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("UserAgent", func() {
	Describe("get()", func() {
		It("returns a non-empty user agent string", func() {
			result := ua.get()
			Expect(result).To(Not(BeEmpty()))
		})

		It("returns a string from the predefined list", func() {
			result := ua.get()
			Expect(ua.agents).To(ContainElement(result))
		})
	})
})
