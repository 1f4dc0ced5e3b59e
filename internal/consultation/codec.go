package consultation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const envelopeVersion = 1

// ErrSerialization marks a stored blob that cannot be turned back into a State.
var ErrSerialization = errors.New("consultation: invalid state blob")

// envelope is the v1 wire format of a persisted State.
type envelope struct {
	Version         int           `json:"version"`
	Messages        []turnDTO     `json:"messages"`
	DiseaseBuffer   []turnDTO     `json:"disease_buffer"`
	MedicalReport   reportDTO     `json:"medical_report"`
	InformationSeek *questionsDTO `json:"information_seek"`
	ReportUpdated   bool          `json:"report_updated"`
	QuestionCount   int           `json:"question_count"`
}

type turnDTO struct {
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	Image            *string   `json:"image,omitempty"`
	SuggestedActions []string  `json:"suggested_actions"`
	CreatedAt        time.Time `json:"created_at"`
}

type reportDTO struct {
	Evidences       map[string]string `json:"evidences"`
	Images          map[string]string `json:"images"`
	ImagesAnalyses  map[string]string `json:"images_analyses"`
	DiseaseModelRaw map[string]string `json:"disease_model_raw"`
	Summary         string            `json:"summary"`
	Candidates      []Diagnosis       `json:"most_likely_disease"`
}

type questionsDTO struct {
	Questions []string `json:"questions"`
}

// MarshalState serializes a State. Collections are always written as empty
// containers; an absent question set is written as null.
func MarshalState(s *State) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("marshal state: nil state")
	}
	env := envelope{
		Version:       envelopeVersion,
		Messages:      marshalTurns(s.Turns),
		DiseaseBuffer: marshalTurns(s.Scratch),
		MedicalReport: reportDTO{
			Evidences:       nonNilMap(s.Report.Evidences),
			Images:          nonNilMap(s.Report.Images),
			ImagesAnalyses:  nonNilMap(s.Report.ImageAnalyses),
			DiseaseModelRaw: nonNilMap(s.Report.DiseaseModelRaw),
			Summary:         s.Report.Summary,
			Candidates:      s.Report.Candidates,
		},
		ReportUpdated: s.Dirty,
		QuestionCount: s.QuestionCount,
	}
	if env.MedicalReport.Candidates == nil {
		env.MedicalReport.Candidates = []Diagnosis{}
	}
	if s.Questions != nil {
		q := s.Questions.Questions
		if q == nil {
			q = []string{}
		}
		env.InformationSeek = &questionsDTO{Questions: q}
	}
	return json.Marshal(env)
}

// UnmarshalState parses a blob written by MarshalState.
func UnmarshalState(data []byte) (*State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrSerialization, env.Version)
	}
	turns, err := unmarshalTurns(env.Messages)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	scratch, err := unmarshalTurns(env.DiseaseBuffer)
	if err != nil {
		return nil, fmt.Errorf("disease buffer: %w", err)
	}
	s := &State{
		Turns:   turns,
		Scratch: scratch,
		Report: Report{
			Evidences:       nonNilMap(env.MedicalReport.Evidences),
			Images:          nonNilMap(env.MedicalReport.Images),
			ImageAnalyses:   nonNilMap(env.MedicalReport.ImagesAnalyses),
			DiseaseModelRaw: nonNilMap(env.MedicalReport.DiseaseModelRaw),
			Summary:         env.MedicalReport.Summary,
			Candidates:      env.MedicalReport.Candidates,
		},
		Dirty:         env.ReportUpdated,
		QuestionCount: env.QuestionCount,
	}
	if s.Report.Candidates == nil {
		s.Report.Candidates = []Diagnosis{}
	}
	if env.InformationSeek != nil {
		q := env.InformationSeek.Questions
		if q == nil {
			q = []string{}
		}
		s.Questions = &QuestionQueue{Questions: q}
	}
	return s, nil
}

func marshalTurns(turns []Turn) []turnDTO {
	out := make([]turnDTO, len(turns))
	for i, t := range turns {
		out[i] = turnDTO{
			Role:             string(t.Role),
			Content:          t.Content,
			Image:            t.Image,
			SuggestedActions: t.SuggestedActions,
			CreatedAt:        t.CreatedAt,
		}
	}
	return out
}

func unmarshalTurns(dtos []turnDTO) ([]Turn, error) {
	out := make([]Turn, len(dtos))
	for i, d := range dtos {
		role := Role(d.Role)
		if role != RoleUser && role != RoleAssistant {
			return nil, fmt.Errorf("%w: turn %d has unknown role %q", ErrSerialization, i, d.Role)
		}
		out[i] = Turn{
			Role:             role,
			Content:          d.Content,
			Image:            d.Image,
			SuggestedActions: d.SuggestedActions,
			CreatedAt:        d.CreatedAt.UTC(),
		}
	}
	return out, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
