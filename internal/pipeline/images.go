package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
)

const predictionHeader = "\n\nAI Disease Prediction (first look):\n\n"

// analyzeImages fills in the analysis of every image that has none. An image
// whose analysis fails stays empty and is retried on the next run.
func analyzeImages(ctx context.Context, r *run) error {
	report := &r.st.Report
	populated := false
	for _, title := range report.ImageTitles() {
		if report.ImageAnalyses[title] != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := r.analyzeImage(ctx, title)
		if err != nil {
			r.log.Warn("image analysis failed", zap.String("image", title), zap.Error(err))
			continue
		}
		populated = populated || ok
	}
	r.st.Dirty = r.st.Dirty || populated
	return nil
}

func (r *run) analyzeImage(ctx context.Context, title string) (bool, error) {
	report := &r.st.Report
	report.ImageAnalyses[title] = ""

	data, err := r.images.Open(ctx, report.Images[title])
	if err != nil {
		return false, err
	}
	system, err := render(imagePrompt, nil)
	if err != nil {
		return false, err
	}
	req := agent.Request{
		System: system,
		Messages: []agent.Message{{
			Role:   agent.RoleUser,
			Text:   "Analyze this image",
			Images: []agent.Image{{Data: data, MIMEType: media.MIMEType(data)}},
		}},
	}
	resp, err := agent.GenerateInto[imageResponse](ctx, r.providers.Vision, req)
	if err != nil {
		return false, err
	}

	if t := strings.TrimSpace(resp.Title); t != "" && report.RenameImage(title, t) {
		title = t
	}
	analysis := resp.Description
	if resp.Diseases != "" {
		report.DiseaseModelRaw[title] = resp.Diseases
	}

	if resp.HasSkin && r.classifier != nil {
		if raw, err := r.classify(ctx, data); err != nil {
			r.log.Warn("skin classifier failed, keeping vision model note", zap.String("image", title), zap.Error(err))
		} else {
			report.DiseaseModelRaw[title] = raw
		}
	}

	if raw := report.DiseaseModelRaw[title]; raw != "" {
		if narrative, err := r.rewritePredictions(ctx, raw); err != nil {
			r.log.Warn("prediction rewrite failed", zap.String("image", title), zap.Error(err))
		} else {
			analysis += predictionHeader + narrative
		}
	}

	report.ImageAnalyses[title] = analysis
	return true, nil
}

func (r *run) classify(ctx context.Context, data []byte) (string, error) {
	preds, err := r.classifier.Classify(ctx, data)
	if err != nil {
		return "", err
	}
	if preds == nil {
		preds = []agent.Prediction{}
	}
	raw, err := json.MarshalIndent(map[string][]agent.Prediction{"ai_predictions": preds}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (r *run) rewritePredictions(ctx context.Context, raw string) (string, error) {
	prompt, err := render(rewritePrompt, raw)
	if err != nil {
		return "", err
	}
	out, err := r.providers.General.Generate(ctx, agent.UserText("", prompt))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
