package report

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"maps"
	"slices"
	"strings"

	"github.com/signintech/gopdf"
	"go.uber.org/zap"
)

const (
	fontFamily   = "DejaVu"
	pageMargin   = 40.0
	contentWidth = 595.28 - 2*pageMargin
	pageBottom   = 841.89 - pageMargin
	imageWidth   = 220.0
	lineHeight   = 14.0
)

var systemFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

// pdfWriter tracks the cursor and breaks pages.
type pdfWriter struct {
	pdf *gopdf.GoPdf
	err error
}

// Render lays out doc as an A4 PDF.
func (s *Service) Render(doc *Document) ([]byte, error) {
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.SetMargins(pageMargin, pageMargin, pageMargin, pageMargin)

	var fontErr error
	loaded := false
	for _, path := range s.fontPaths {
		if fontErr = pdf.AddTTFFont(fontFamily, path); fontErr == nil {
			loaded = true
			break
		}
	}
	if !loaded {
		return nil, fmt.Errorf("load pdf font (install ttf-dejavu or set REPORT_FONT_PATH): %w", fontErr)
	}
	pdf.AddPage()

	w := &pdfWriter{pdf: pdf}
	w.heading("Medical Consultation Report", 20)
	w.text(fmt.Sprintf("Date: %s", doc.generatedAt.Format("02.01.2006 15:04 MST")), 10)
	if doc.sessionID != "" {
		w.text("Session: "+doc.sessionID, 10)
	}
	w.gap(10)

	w.heading("Summary for the patient", 14)
	w.text(doc.Content.PatientSummary, 11)
	w.gap(8)
	w.heading("Clinical summary", 14)
	w.text(doc.Content.ClinicalSummary, 11)
	w.gap(8)

	data := doc.StructuredData
	w.heading("Reported evidence", 14)
	if data == nil || len(data.Evidences) == 0 {
		w.text("- No evidence recorded.", 11)
	} else {
		for _, k := range slices.Sorted(maps.Keys(data.Evidences)) {
			w.text(fmt.Sprintf("- %s: %s", k, data.Evidences[k]), 11)
		}
	}
	w.gap(8)

	w.heading("Potential conditions", 14)
	if data == nil || len(data.MostLikelyDisease) == 0 {
		w.text("- No specific conditions identified.", 11)
	} else {
		for _, d := range data.MostLikelyDisease {
			w.text(fmt.Sprintf("- %s (%d%%): %s", d.Name, d.Likelihood, d.Reason), 11)
		}
	}

	if data != nil && len(data.ImagesAnalyses) > 0 {
		w.gap(8)
		w.heading("Images", 14)
		for _, title := range slices.Sorted(maps.Keys(data.ImagesAnalyses)) {
			w.text(title, 12)
			if raw, ok := doc.images[title]; ok {
				if err := w.image(raw); err != nil {
					s.logger.Warn("skipping report image", zap.String("image", title), zap.Error(err))
				}
			}
			w.text(plain(data.ImagesAnalyses[title]), 10)
			w.gap(6)
		}
	}

	w.gap(12)
	w.text("This report was produced by an automated assistant and is not a diagnosis. Please consult a physician.", 9)

	if w.err != nil {
		return nil, w.err
	}
	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *pdfWriter) heading(s string, size float64) {
	w.gap(4)
	w.text(s, size)
	w.gap(2)
}

// text writes word-wrapped paragraphs.
func (w *pdfWriter) text(s string, size float64) {
	if w.err != nil {
		return
	}
	if w.err = w.pdf.SetFont(fontFamily, "", size); w.err != nil {
		return
	}
	height := size + 3
	if size <= 11 {
		height = lineHeight
	}
	for _, para := range strings.Split(s, "\n") {
		if strings.TrimSpace(para) == "" {
			w.gap(height / 2)
			continue
		}
		lines, err := w.pdf.SplitTextWithWordWrap(para, contentWidth)
		if err != nil {
			lines = []string{para}
		}
		for _, line := range lines {
			w.ensure(height)
			w.pdf.SetX(pageMargin)
			if w.err = w.pdf.Cell(nil, line); w.err != nil {
				return
			}
			w.pdf.Br(height)
		}
	}
}

func (w *pdfWriter) image(data []byte) error {
	if w.err != nil {
		return nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return fmt.Errorf("empty image")
	}
	holder, err := gopdf.ImageHolderByBytes(data)
	if err != nil {
		return err
	}
	height := imageWidth * float64(cfg.Height) / float64(cfg.Width)
	w.ensure(height + 6)
	y := w.pdf.GetY()
	if err := w.pdf.ImageByHolder(holder, pageMargin, y, &gopdf.Rect{W: imageWidth, H: height}); err != nil {
		return err
	}
	w.pdf.SetY(y + height + 6)
	return nil
}

func (w *pdfWriter) gap(h float64) {
	if w.err == nil {
		w.pdf.Br(h)
	}
}

// ensure starts a new page when h does not fit on the current one.
func (w *pdfWriter) ensure(h float64) {
	if w.pdf.GetY()+h > pageBottom {
		w.pdf.AddPage()
		w.pdf.SetY(pageMargin)
	}
}

// plain drops the markdown emphasis the models like to emit.
func plain(s string) string {
	return strings.NewReplacer("**", "", "__", "", "`", "").Replace(s)
}
