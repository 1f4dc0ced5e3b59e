package consultation

import (
	"sort"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation. Image is nil when nothing was attached.
type Turn struct {
	Role             Role
	Content          string
	Image            *string
	SuggestedActions []string
	CreatedAt        time.Time
}

func NewUserTurn(content string, image *string) Turn {
	return Turn{Role: RoleUser, Content: content, Image: image, CreatedAt: time.Now().UTC()}
}

func NewAssistantTurn(content string, actions []string) Turn {
	return Turn{Role: RoleAssistant, Content: content, SuggestedActions: actions, CreatedAt: time.Now().UTC()}
}

// Diagnosis is one candidate of the differential diagnosis.
type Diagnosis struct {
	Name        string `json:"disease_name"`
	Reasoning   string `json:"match_reason"`
	Probability int    `json:"match_probability"`
}

// Report is the accumulating clinical record of a session.
type Report struct {
	Evidences       map[string]string
	Images          map[string]string
	ImageAnalyses   map[string]string
	DiseaseModelRaw map[string]string
	Summary         string
	Candidates      []Diagnosis
}

func NewReport() Report {
	return Report{
		Evidences:       map[string]string{},
		Images:          map[string]string{},
		ImageAnalyses:   map[string]string{},
		DiseaseModelRaw: map[string]string{},
		Candidates:      []Diagnosis{},
	}
}

// HasImageRef reports whether ref is already registered under any title.
func (r *Report) HasImageRef(ref string) bool {
	for _, v := range r.Images {
		if v == ref {
			return true
		}
	}
	return false
}

// ImageTitles returns the registered image titles in a stable order.
func (r *Report) ImageTitles() []string {
	titles := make([]string, 0, len(r.Images))
	for t := range r.Images {
		titles = append(titles, t)
	}
	sort.Strings(titles)
	return titles
}

// RenameImage moves every per-image entry from old to new. It refuses to
// overwrite an existing title.
func (r *Report) RenameImage(oldTitle, newTitle string) bool {
	if oldTitle == newTitle || newTitle == "" {
		return false
	}
	if _, taken := r.Images[newTitle]; taken {
		return false
	}
	ref, ok := r.Images[oldTitle]
	if !ok {
		return false
	}
	r.Images[newTitle] = ref
	delete(r.Images, oldTitle)
	r.ImageAnalyses[newTitle] = r.ImageAnalyses[oldTitle]
	delete(r.ImageAnalyses, oldTitle)
	if raw, ok := r.DiseaseModelRaw[oldTitle]; ok {
		r.DiseaseModelRaw[newTitle] = raw
		delete(r.DiseaseModelRaw, oldTitle)
	}
	return true
}

// QuestionQueue holds pending diagnostic questions. The back of the slice is
// consumed first.
type QuestionQueue struct {
	Questions []string
}

func (q *QuestionQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.Questions)
}

// Peek returns the question at the back of the queue.
func (q *QuestionQueue) Peek() (string, bool) {
	if q.Len() == 0 {
		return "", false
	}
	return q.Questions[len(q.Questions)-1], true
}

func (q *QuestionQueue) Pop() (string, bool) {
	s, ok := q.Peek()
	if ok {
		q.Questions = q.Questions[:len(q.Questions)-1]
	}
	return s, ok
}

// State is the full working state of one conversation and the unit of persistence.
type State struct {
	Turns []Turn
	Report Report
	// Questions is nil when no question set is active.
	Questions     *QuestionQueue
	Scratch       []Turn
	Dirty         bool
	QuestionCount int
}

func NewState() *State {
	return &State{
		Turns:   []Turn{},
		Report:  NewReport(),
		Scratch: []Turn{},
	}
}

// LastTurn returns the most recent turn, if any.
func (s *State) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// Clone returns a deep copy, used to roll back a failed stage.
func (s *State) Clone() *State {
	c := &State{
		Turns:         cloneTurns(s.Turns),
		Scratch:       cloneTurns(s.Scratch),
		Dirty:         s.Dirty,
		QuestionCount: s.QuestionCount,
		Report: Report{
			Evidences:       cloneMap(s.Report.Evidences),
			Images:          cloneMap(s.Report.Images),
			ImageAnalyses:   cloneMap(s.Report.ImageAnalyses),
			DiseaseModelRaw: cloneMap(s.Report.DiseaseModelRaw),
			Summary:         s.Report.Summary,
		},
	}
	if s.Report.Candidates != nil {
		c.Report.Candidates = append([]Diagnosis{}, s.Report.Candidates...)
	}
	if s.Questions != nil {
		q := &QuestionQueue{}
		if s.Questions.Questions != nil {
			q.Questions = append([]string{}, s.Questions.Questions...)
		}
		c.Questions = q
	}
	return c
}

func cloneTurns(in []Turn) []Turn {
	if in == nil {
		return nil
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = t
		if t.Image != nil {
			img := *t.Image
			out[i].Image = &img
		}
		if t.SuggestedActions != nil {
			out[i].SuggestedActions = append([]string{}, t.SuggestedActions...)
		}
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
