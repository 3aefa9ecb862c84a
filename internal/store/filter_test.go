package store_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kernelci.org/api/internal/store"
)

var _ = Describe("ParseNodeFilter", func() {
	It("compiles a bare key to an equality condition", func() {
		f, err := store.ParseNodeFilter(map[string]string{"kind": "kbuild"})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE kind = $1"))
		Expect(args).To(Equal([]any{"kbuild"}))
	})

	It("renders nothing for an empty filter", func() {
		f, err := store.ParseNodeFilter(map[string]string{})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(BeEmpty())
		Expect(args).To(BeEmpty())
	})

	It("maps operator suffixes onto SQL comparisons", func() {
		f, err := store.ParseNodeFilter(map[string]string{"created__gt": "2025-06-01T10:00:00Z"})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE created > $1"))
		Expect(args).To(HaveLen(1))
		Expect(args[0]).To(BeAssignableToTypeOf(time.Time{}))
	})

	It("combines conditions with AND in deterministic key order", func() {
		f, err := store.ParseNodeFilter(map[string]string{
			"state": "running",
			"kind":  "checkout",
		})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE kind = $1 AND state = $2"))
		Expect(args).To(Equal([]any{"checkout", "running"}))
	})

	It("compiles dotted data keys to jsonb path expressions", func() {
		f, err := store.ParseNodeFilter(map[string]string{"data.kernel_revision.tree": "mainline"})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE (data #>> $1) = $2"))
		Expect(args[0]).To(Equal([]string{"kernel_revision", "tree"}))
		Expect(args[1]).To(Equal("mainline"))
	})

	It("casts numeric jsonb comparisons", func() {
		f, err := store.ParseNodeFilter(map[string]string{"data.build_time__lt": "900"})
		Expect(err).NotTo(HaveOccurred())

		where, _ := f.Where()
		Expect(where).To(ContainSubstring("::numeric < $2::numeric"))
	})

	It("maps the null literal to IS NULL", func() {
		f, err := store.ParseNodeFilter(map[string]string{"parent": "null"})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE parent IS NULL"))
		Expect(args).To(BeEmpty())
	})

	It("maps null with __ne to IS NOT NULL", func() {
		f, err := store.ParseNodeFilter(map[string]string{"holdoff__ne": "null"})
		Expect(err).NotTo(HaveOccurred())

		where, _ := f.Where()
		Expect(where).To(Equal("WHERE holdoff IS NOT NULL"))
	})

	It("treats a null result as the empty string", func() {
		f, err := store.ParseNodeFilter(map[string]string{"result": "null"})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE result = $1"))
		Expect(args).To(Equal([]any{""}))
	})

	It("compiles the regex operator", func() {
		f, err := store.ParseNodeFilter(map[string]string{"name__re": "^baseline"})
		Expect(err).NotTo(HaveOccurred())

		where, args := f.Where()
		Expect(where).To(Equal("WHERE name ~ $1"))
		Expect(args).To(Equal([]any{"^baseline"}))
	})

	It("rejects unknown fields", func() {
		_, err := store.ParseNodeFilter(map[string]string{"nonsense": "1"})
		Expect(err).To(MatchError(store.ErrBadFilter))
	})

	It("rejects range operators on the null literal", func() {
		_, err := store.ParseNodeFilter(map[string]string{"created__gt": "null"})
		Expect(err).To(MatchError(store.ErrBadFilter))
	})

	It("rejects malformed ids and timestamps", func() {
		_, err := store.ParseNodeFilter(map[string]string{"id": "abc"})
		Expect(err).To(MatchError(store.ErrBadFilter))

		_, err = store.ParseNodeFilter(map[string]string{"updated__lte": "yesterday"})
		Expect(err).To(MatchError(store.ErrBadFilter))
	})

	It("rejects regex matches on numeric columns", func() {
		_, err := store.ParseNodeFilter(map[string]string{"id__re": "^1"})
		Expect(err).To(MatchError(store.ErrBadFilter))
	})
})
