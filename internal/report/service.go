// Package report turns a consultation into narrative summaries, a PDF and a
// message to the doctor on call.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
)

const (
	fallbackPatientSummary  = "We could not generate the narrative summary at this time. Please refer to the structured data below."
	fallbackClinicalSummary = "Automated generation failed. Refer to raw data."
)

// ErrDeliveryDisabled is returned by SendToDoctor when no doctor chat is configured.
var ErrDeliveryDisabled = errors.New("report: doctor delivery is not configured")

// Content holds the generated narratives.
type Content struct {
	PatientSummary  string `json:"patient_summary" jsonschema:"Plain-language summary for the patient"`
	ClinicalSummary string `json:"clinical_summary" jsonschema:"Concise technical summary for a physician"`
}

// Document is a generated report.
type Document struct {
	Content        Content                  `json:"content"`
	StructuredData *consultation.ReportView `json:"structured_data"`
	// ImagesBase64 maps image titles to data URLs.
	ImagesBase64 map[string]string `json:"images_base64"`

	images      map[string][]byte
	sessionID   string
	generatedAt time.Time
}

// Sender delivers a finished PDF.
type Sender interface {
	SendDocument(ctx context.Context, chatID int64, data []byte, fileName, caption string) error
}

type Service struct {
	provider     agent.Provider
	images       media.Store
	sender       Sender
	doctorChatID int64
	fontPaths    []string
	logger       *zap.Logger
}

type Option func(*Service)

// WithDoctorChat enables SendToDoctor.
func WithDoctorChat(sender Sender, chatID int64) Option {
	return func(s *Service) {
		s.sender = sender
		s.doctorChatID = chatID
	}
}

// WithFontPath tries path before the system DejaVu locations.
func WithFontPath(path string) Option {
	return func(s *Service) {
		if path = strings.TrimSpace(path); path != "" {
			s.fontPaths = append([]string{path}, s.fontPaths...)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(provider agent.Provider, images media.Store, opts ...Option) *Service {
	s := &Service{
		provider:  provider,
		images:    images,
		fontPaths: append([]string(nil), systemFontPaths...),
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Generate builds the report of a session. Narrative failures fall back to
// fixed summaries; unreadable images are left out.
func (s *Service) Generate(ctx context.Context, sessionID string, st *consultation.State) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := &Document{
		Content:        s.Narrate(ctx, st.Report),
		StructuredData: consultation.NewSessionView(st).MedicalReport,
		ImagesBase64:   make(map[string]string, len(st.Report.Images)),
		images:         make(map[string][]byte, len(st.Report.Images)),
		sessionID:      sessionID,
		generatedAt:    time.Now().UTC(),
	}
	for _, title := range st.Report.ImageTitles() {
		ref := st.Report.Images[title]
		data, err := s.images.Open(ctx, ref)
		if err != nil {
			s.logger.Warn("report image unavailable", zap.String("image", title), zap.String("ref", ref), zap.Error(err))
			continue
		}
		doc.images[title] = data
		doc.ImagesBase64[title] = agent.DataURL(agent.Image{Data: data, MIMEType: media.MIMEType(data)})
	}
	return doc, nil
}

// Narrate asks the provider for the patient and clinical summaries.
func (s *Service) Narrate(ctx context.Context, r consultation.Report) Content {
	fallback := Content{PatientSummary: fallbackPatientSummary, ClinicalSummary: fallbackClinicalSummary}
	if s.provider == nil {
		return fallback
	}
	var buf bytes.Buffer
	if err := narrativePrompt.Execute(&buf, r); err != nil {
		s.logger.Error("render report prompt", zap.Error(err))
		return fallback
	}
	temp := float32(0.2)
	req := agent.UserText("You are an expert medical consultant and writer.", buf.String())
	req.Temperature = &temp
	c, err := agent.GenerateInto[Content](ctx, s.provider, req)
	if err != nil || strings.TrimSpace(c.PatientSummary) == "" || strings.TrimSpace(c.ClinicalSummary) == "" {
		s.logger.Warn("report narrative failed, using fallback", zap.Error(err))
		return fallback
	}
	return c
}

// PDF generates and renders the report of a session.
func (s *Service) PDF(ctx context.Context, sessionID string, st *consultation.State) ([]byte, error) {
	doc, err := s.Generate(ctx, sessionID, st)
	if err != nil {
		return nil, err
	}
	return s.Render(doc)
}

// SendToDoctor renders the report and delivers it to the configured chat.
func (s *Service) SendToDoctor(ctx context.Context, sessionID string, st *consultation.State) error {
	if s.sender == nil || s.doctorChatID == 0 {
		return ErrDeliveryDisabled
	}
	data, err := s.PDF(ctx, sessionID, st)
	if err != nil {
		return err
	}
	caption := "Consultation report for session " + sessionID
	if err := s.sender.SendDocument(ctx, s.doctorChatID, data, FileName(sessionID), caption); err != nil {
		return fmt.Errorf("deliver report: %w", err)
	}
	s.logger.Info("report delivered", zap.String("session_id", sessionID), zap.Int64("chat_id", s.doctorChatID))
	return nil
}

// FileName is the attachment name of a session's PDF.
func FileName(sessionID string) string {
	return fmt.Sprintf("report_%s.pdf", sessionID)
}

var narrativePrompt = template.Must(template.New("narrative").Parse(`Based on the following medical data collected from a patient consultation, generate two distinct summaries.

1. patient_summary: a clear, compassionate and easy to understand narrative for the patient. Explain the reported symptoms, the findings from any images and the potential conditions identified. Avoid complex jargon and focus on what this means.

2. clinical_summary: a concise, professional summary for a doctor using standard medical terminology. Highlight the key evidence, relevant image findings (state whether skin lesions or anomalies were detected) and the rationale of the differential diagnosis.

# REPORTED EVIDENCE
{{range $k, $v := .Evidences}}- {{$k}}: {{$v}}
{{else}}None recorded.
{{end}}
# IMAGE ANALYSIS
{{range $k, $v := .ImageAnalyses}}Image '{{$k}}':
{{$v}}

{{else}}No images provided.
{{end}}
# DIFFERENTIAL DIAGNOSIS
{{range .Candidates}}- {{.Name}} (Likelihood: {{.Probability}}%): {{.Reasoning}}
{{else}}No specific conditions identified yet.
{{end}}
# CONVERSATION SUMMARY
{{if .Summary}}{{.Summary}}{{else}}None.{{end}}`))
