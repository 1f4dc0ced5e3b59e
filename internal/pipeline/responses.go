package pipeline

import (
	"errors"
	"fmt"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

type evidenceItem struct {
	Title string `json:"evidence_title" jsonschema:"Concise medical term for the finding"`
	Value string `json:"evidence_value" jsonschema:"Status (Present, Absent or Not Sure) followed by the reported details"`
}

type imageItem struct {
	Title string `json:"image_title" jsonschema:"Short description of what the image shows"`
	Path  string `json:"image_path" jsonschema:"Reference of the uploaded image"`
}

type extractionResponse struct {
	Evidences []evidenceItem `json:"evidence_list,omitempty"`
	Images    []imageItem    `json:"image_list,omitempty"`
}

type imageResponse struct {
	Description string `json:"image_description" jsonschema:"Objective markdown description of the image"`
	Title       string `json:"image_title" jsonschema:"Short professional title for the image"`
	Diseases    string `json:"diseases" jsonschema:"Up to five conditions with likelihood scores"`
	HasSkin     bool   `json:"has_skin" jsonschema:"Whether the image shows external skin"`
}

func (r *imageResponse) Validate() error {
	if r.Description == "" {
		return errors.New("empty image_description")
	}
	return nil
}

type yesNoResponse struct {
	Answer string `json:"answer" jsonschema:"Either yes or no"`
}

func (r *yesNoResponse) Validate() error {
	if r.Answer != "yes" && r.Answer != "no" {
		return fmt.Errorf("answer %q is neither yes nor no", r.Answer)
	}
	return nil
}

// suggestionResponse is one round of the diagnosis loop. Disease is nil when
// no further condition qualifies.
type suggestionResponse struct {
	Index   int                     `json:"index" jsonschema:"Position of this condition in the differential"`
	Disease *consultation.Diagnosis `json:"disease" jsonschema:"The next condition, or null when none qualifies"`
}

func (r *suggestionResponse) Validate() error {
	if r.Disease == nil {
		return nil
	}
	if p := r.Disease.Probability; p < 0 || p > 100 {
		return fmt.Errorf("match_probability %d out of range", p)
	}
	return nil
}

type infoSeekResponse struct {
	Questions []string `json:"questions" jsonschema:"Diagnostic questions for the patient, most useful first"`
}

type interviewResponse struct {
	Message          string   `json:"message" jsonschema:"The reply shown to the patient"`
	SuggestedActions []string `json:"suggested_actions" jsonschema:"Short quick-reply options, possibly empty"`
}
