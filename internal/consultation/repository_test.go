package consultation_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

func describeRepository(name string, open func() consultation.Repository) {
	Describe(name, func() {
		var (
			repo consultation.Repository
			ctx  context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			repo = open()
		})

		AfterEach(func() {
			if repo != nil {
				repo.Close()
			}
		})

		It("returns ErrNotFound for an unknown session", func() {
			_, err := repo.Get(ctx, "missing")
			Expect(err).To(MatchError(consultation.ErrNotFound))
		})

		It("stores and retrieves a blob", func() {
			Expect(repo.Put(ctx, "s1", []byte(`{"a":1}`), "")).To(Succeed())

			rec, err := repo.Get(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.SessionID).To(Equal("s1"))
			Expect(rec.Blob).To(MatchJSON(`{"a":1}`))
			Expect(rec.OwnerID).To(BeNil())
		})

		It("overwrites the whole blob on save", func() {
			Expect(repo.Put(ctx, "s1", []byte(`{"a":1}`), "")).To(Succeed())
			Expect(repo.Put(ctx, "s1", []byte(`{"b":2}`), "")).To(Succeed())

			rec, err := repo.Get(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Blob).To(MatchJSON(`{"b":2}`))
		})

		It("records the owner and keeps it on anonymous saves", func() {
			Expect(repo.Put(ctx, "s1", []byte(`{}`), "")).To(Succeed())
			Expect(repo.Put(ctx, "s1", []byte(`{}`), "alice")).To(Succeed())
			Expect(repo.Put(ctx, "s1", []byte(`{"v":3}`), "")).To(Succeed())

			rec, err := repo.Get(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.OwnerID).NotTo(BeNil())
			Expect(*rec.OwnerID).To(Equal("alice"))
			Expect(rec.Blob).To(MatchJSON(`{"v":3}`))
		})

		It("overwrites the owner when a new identity is known", func() {
			Expect(repo.Put(ctx, "s1", []byte(`{}`), "alice")).To(Succeed())
			Expect(repo.Put(ctx, "s1", []byte(`{}`), "bob")).To(Succeed())

			rec, err := repo.Get(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(*rec.OwnerID).To(Equal("bob"))
		})

		It("lists sessions by owner, most recent first", func() {
			Expect(repo.Put(ctx, "old", []byte(`{}`), "alice")).To(Succeed())
			time.Sleep(5 * time.Millisecond)
			Expect(repo.Put(ctx, "new", []byte(`{}`), "alice")).To(Succeed())
			Expect(repo.Put(ctx, "other", []byte(`{}`), "bob")).To(Succeed())

			recs, err := repo.ListByOwner(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			ids := make([]string, len(recs))
			for i, r := range recs {
				ids[i] = r.SessionID
			}
			Expect(ids).To(Equal([]string{"new", "old"}))
		})
	})
}

var _ = Describe("Repositories", func() {
	describeRepository("SQLite", func() consultation.Repository {
		repo, err := consultation.NewSQLiteRepository(":memory:")
		Expect(err).NotTo(HaveOccurred())
		return repo
	})

	describeRepository("Memory", func() consultation.Repository {
		return consultation.NewMemoryRepository()
	})

	describeRepository("Cached", func() consultation.Repository {
		repo, err := consultation.NewCachedRepository(consultation.NewMemoryRepository(), 8)
		Expect(err).NotTo(HaveOccurred())
		return repo
	})

	It("creates a SQLite database file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "sessions.db")
		repo, err := consultation.NewSQLiteRepository(path)
		Expect(err).NotTo(HaveOccurred())
		defer repo.Close()

		_, err = os.Stat(path)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("CachedRepository", func() {
	It("serves repeated reads from the cache and sees its own writes", func() {
		ctx := context.Background()
		backend := &countingRepo{Repository: consultation.NewMemoryRepository()}
		repo, err := consultation.NewCachedRepository(backend, 4)
		Expect(err).NotTo(HaveOccurred())

		Expect(repo.Put(ctx, "s1", []byte(`{"n":1}`), "")).To(Succeed())
		_, err = repo.Get(ctx, "s1")
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Put(ctx, "s1", []byte(`{"n":2}`), "alice")).To(Succeed())

		rec, err := repo.Get(ctx, "s1")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Blob).To(MatchJSON(`{"n":2}`))
		Expect(*rec.OwnerID).To(Equal("alice"))
		Expect(backend.gets).To(Equal(1))
	})
})

type countingRepo struct {
	consultation.Repository
	gets int
}

func (r *countingRepo) Get(ctx context.Context, id string) (*consultation.Record, error) {
	r.gets++
	return r.Repository.Get(ctx, id)
}
