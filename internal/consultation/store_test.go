package consultation_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

type failingRepo struct {
	consultation.Repository
}

func (failingRepo) Get(context.Context, string) (*consultation.Record, error) {
	return nil, errors.New("connection refused")
}

var _ = Describe("Store", func() {
	var (
		repo  consultation.Repository
		store *consultation.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		repo, err = consultation.NewSQLiteRepository(":memory:")
		Expect(err).NotTo(HaveOccurred())
		store = consultation.NewStore(repo, nil)
	})

	AfterEach(func() {
		repo.Close()
	})

	It("returns a fresh state for an unknown session", func() {
		st, err := store.Load(ctx, "nobody")
		Expect(err).NotTo(HaveOccurred())
		Expect(st).To(Equal(consultation.NewState()))
		Expect(st.Questions).To(BeNil())
	})

	It("treats an unreadable blob as a fresh start", func() {
		Expect(repo.Put(ctx, "broken", []byte(`{"version":1,"messages":[{"role":"robot"}]}`), "")).To(Succeed())

		st, err := store.Load(ctx, "broken")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Turns).To(BeEmpty())
	})

	It("round-trips a saved state", func() {
		st := consultation.NewState()
		st.Turns = append(st.Turns,
			consultation.NewUserTurn("I have a fever", nil),
			consultation.NewAssistantTurn("How long?", []string{"1 day", "3 days"}),
		)
		st.Report.Evidences["Fever"] = "Present; 3 days"
		st.Questions = &consultation.QuestionQueue{Questions: []string{"Do you have a cough?"}}
		st.QuestionCount = 2

		Expect(store.Save(ctx, "s1", st, "alice")).To(Succeed())
		loaded, err := store.Load(ctx, "s1")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(Equal(st))

		sessions, err := store.Sessions(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(sessions).To(HaveLen(1))
		Expect(sessions[0].SessionID).To(Equal("s1"))
	})

	It("surfaces backend failures", func() {
		s := consultation.NewStore(failingRepo{Repository: repo}, nil)
		_, err := s.Load(ctx, "s1")
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
	})
})
