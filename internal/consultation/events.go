package consultation

import (
	"path/filepath"
	"strconv"
)

type EventType string

const (
	EventProgress        EventType = "progress"
	EventReportUpdate    EventType = "report_update"
	EventDiagnosisUpdate EventType = "diagnosis_update"
	EventResult          EventType = "result"
	EventError           EventType = "error"
)

// Event is one element of a run's progress stream.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Terminal reports whether e ends a run's stream.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

// Emitter receives events in order. Implementations must not block for long;
// the pipeline calls it synchronously.
type Emitter func(Event)

type ProgressPayload struct {
	Message string `json:"message"`
	Node    string `json:"node"`
}

type ReportPayload struct {
	Evidences      map[string]string `json:"evidences"`
	Images         map[string]string `json:"images"`
	ImagesAnalyses map[string]string `json:"images_analyses"`
	Summary        string            `json:"summary"`
}

type DiseaseView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Likelihood int    `json:"likelihood"`
	Reason     string `json:"reason"`
}

type DiagnosisPayload struct {
	Diseases []DiseaseView `json:"diseases"`
}

type ResultPayload struct {
	Message           string   `json:"message"`
	ExtractedSymptoms []string `json:"extractedSymptoms"`
	SuggestedActions  []string `json:"suggestedActions"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func ProgressEvent(message, node string) Event {
	return Event{Type: EventProgress, Payload: ProgressPayload{Message: message, Node: node}}
}

// ReportEvent exposes image references by base name only.
func ReportEvent(r Report) Event {
	return Event{Type: EventReportUpdate, Payload: ReportPayload{
		Evidences:      cloneMap(r.Evidences),
		Images:         PublicImages(r.Images),
		ImagesAnalyses: cloneMap(r.ImageAnalyses),
		Summary:        r.Summary,
	}}
}

func DiagnosisEvent(candidates []Diagnosis) Event {
	return Event{Type: EventDiagnosisUpdate, Payload: DiagnosisPayload{Diseases: DiseaseViews(candidates)}}
}

func ResultEvent(reply Turn) Event {
	actions := reply.SuggestedActions
	if actions == nil {
		actions = []string{}
	}
	return Event{Type: EventResult, Payload: ResultPayload{Message: reply.Content, SuggestedActions: actions}}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Message: message}}
}

func DiseaseViews(candidates []Diagnosis) []DiseaseView {
	out := make([]DiseaseView, len(candidates))
	for i, d := range candidates {
		out[i] = DiseaseView{ID: strconv.Itoa(i), Name: d.Name, Likelihood: d.Probability, Reason: d.Reasoning}
	}
	return out
}

func PublicImages(images map[string]string) map[string]string {
	out := make(map[string]string, len(images))
	for title, ref := range images {
		out[title] = filepath.Base(ref)
	}
	return out
}
