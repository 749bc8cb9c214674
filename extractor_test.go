package freehp

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestExtractor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "freehp/extractor")
}

var _ = Describe("ExtractAddresses", func() {
	It("extracts addresses from an HTML table", func() {
		html := `<html><body><table>
			<tr><td>1.2.3.4</td><td>8080</td></tr>
			<tr><td>5.6.7.8</td><td>3128</td></tr>
		</table></body></html>`

		Expect(ExtractAddresses([]byte(html))).To(Equal([]string{"1.2.3.4:8080", "5.6.7.8:3128"}))
	})

	It("extracts addresses from a comma/whitespace separated list", func() {
		text := `<html><body>1.2.3.4, 8080 and also 9.9.9.9 3000</body></html>`
		Expect(ExtractAddresses([]byte(text))).To(Equal([]string{"1.2.3.4:8080", "9.9.9.9:3000"}))
	})

	It("rejects an octet-invalid IP paired with a valid port", func() {
		text := `<html><body>999.1.1.1 8080</body></html>`
		Expect(ExtractAddresses([]byte(text))).To(BeEmpty())
	})

	It("rejects a privileged, non-80 port", func() {
		text := `<html><body>1.2.3.4 443</body></html>`
		Expect(ExtractAddresses([]byte(text))).To(BeEmpty())
	})

	It("accepts port 80 explicitly", func() {
		text := `<html><body>1.2.3.4 80</body></html>`
		Expect(ExtractAddresses([]byte(text))).To(Equal([]string{"1.2.3.4:80"}))
	})

	It("returns nothing for malformed markup rather than erroring", func() {
		Expect(ExtractAddresses([]byte("<<<not html"))).To(BeEmpty())
	})
})
