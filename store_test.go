package freehp

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "freehp/store")
}

var _ = Describe("MemStore", func() {
	It("finds nothing before an update", func() {
		s := NewMemStore()
		_, ok, err := s.Find("1.2.3.4:80")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("round-trips an address/timestamp update", func() {
		s := NewMemStore()
		Expect(s.Update("1.2.3.4:80", 12345)).To(Succeed())

		ts, ok, err := s.Find("1.2.3.4:80")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(ts).To(Equal(int64(12345)))
	})
})

var _ = Describe("SQLiteStore", func() {
	It("persists and re-reads an address across a reopen", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "freehp.db")

		s, err := NewSQLiteStore(path, "proxies")
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Update("1.2.3.4:80", 999)).To(Succeed())
		Expect(s.Close()).To(Succeed())

		_, err = os.Stat(path)
		Expect(err).NotTo(HaveOccurred())

		s2, err := NewSQLiteStore(path, "proxies")
		Expect(err).NotTo(HaveOccurred())
		defer s2.Close()

		ts, ok, err := s2.Find("1.2.3.4:80")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(ts).To(Equal(int64(999)))
	})

	It("creates its parent directory if missing", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "nested", "freehp.db")

		s, err := NewSQLiteStore(path, "proxies")
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		_, err = os.Stat(filepath.Dir(path))
		Expect(err).NotTo(HaveOccurred())
	})
})
