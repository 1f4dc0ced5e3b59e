package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

const historyWindow = 10

// extractEvidence merges the evidence and images mentioned in the pending
// user turn into the report, then appends the turn.
func extractEvidence(ctx context.Context, r *run) error {
	r.st.Dirty = false
	report := &r.st.Report

	system, err := render(extractionPrompt, struct {
		Evidences map[string]string
		Images    map[string]string
		History   string
	}{report.Evidences, report.Images, conversation(r.st.Turns, historyWindow)})
	if err != nil {
		return err
	}

	resp, err := agent.GenerateInto[extractionResponse](ctx, r.providers.General,
		agent.UserText(system, userMessageText(r.pending)))
	if err != nil {
		return err
	}

	changed := applyEvidence(report, resp.Evidences)
	for _, img := range resp.Images {
		ref := r.resolveImage(ctx, img.Path)
		if ref == "" || report.HasImageRef(ref) {
			continue
		}
		registerImage(report, img.Title, ref)
		changed = true
	}
	if img := r.pending.Image; img != nil && !report.HasImageRef(*img) && r.images.Exists(ctx, *img) {
		registerImage(report, "Uploaded image", *img)
		changed = true
	}

	r.st.Turns = append(r.st.Turns, *r.pending)
	r.pending = nil
	r.st.Dirty = changed
	return nil
}

// applyEvidence upserts by title and reports whether any value changed.
func applyEvidence(report *consultation.Report, items []evidenceItem) bool {
	changed := false
	for _, ev := range items {
		title := strings.TrimSpace(ev.Title)
		if title == "" {
			continue
		}
		if old, ok := report.Evidences[title]; ok && old == ev.Value {
			continue
		}
		report.Evidences[title] = ev.Value
		changed = true
	}
	return changed
}

// resolveImage maps a reference named by the model onto a stored asset. It
// returns "" when nothing is stored under it.
func (r *run) resolveImage(ctx context.Context, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if r.pending.Image != nil && filepath.Base(*r.pending.Image) == filepath.Base(path) {
		path = *r.pending.Image
	}
	if !r.images.Exists(ctx, path) {
		r.log.Warn("dropping unknown image reference", zap.String("ref", path))
		return ""
	}
	return path
}

// registerImage adds ref under title, suffixing the title when it is taken.
func registerImage(report *consultation.Report, title, ref string) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Image"
	}
	unique := title
	for n := 2; ; n++ {
		if _, taken := report.Images[unique]; !taken {
			break
		}
		unique = fmt.Sprintf("%s (%d)", title, n)
	}
	report.Images[unique] = ref
	report.ImageAnalyses[unique] = ""
}

// userMessageText renders the pending turn with its upload reference the way
// the extraction prompt expects it.
func userMessageText(t *consultation.Turn) string {
	if t.Image == nil {
		return t.Content
	}
	return t.Content + "\n- uploaded image: " + *t.Image
}

// conversation renders the last n turns as a transcript.
func conversation(turns []consultation.Turn, n int) string {
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	var sb strings.Builder
	for _, t := range turns {
		switch t.Role {
		case consultation.RoleUser:
			sb.WriteString("**Patient:** ")
		case consultation.RoleAssistant:
			sb.WriteString("**Assistant:** ")
		}
		sb.WriteString(t.Content)
		sb.WriteByte('\n')
	}
	if sb.Len() == 0 {
		return "(no previous messages)"
	}
	return strings.TrimRight(sb.String(), "\n")
}
