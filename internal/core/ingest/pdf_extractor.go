package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"code.sajari.com/docconv"
	"github.com/ledongthuc/pdf"

	"github.com/feuille-app/feuille/internal/core"
)

var _ core.TextExtractor = (*DocExtractor)(nil)

// DocExtractor implements core.TextExtractor. PDFs are read page by page;
// anything else is handed to docconv and comes back as a single page.
type DocExtractor struct {
	logger *slog.Logger
}

func NewDocExtractor(logger *slog.Logger) *DocExtractor {
	return &DocExtractor{logger: logger}
}

func (e *DocExtractor) Extract(ctx context.Context, data []byte, contentType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contentType == "application/pdf" {
		return e.extractPDF(data)
	}
	return e.extractOther(data, contentType)
}

func (e *DocExtractor) extractPDF(data []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	totalPages := reader.NumPage()
	pages := make([]string, 0, totalPages)

	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			e.logger.Warn("null page encountered", slog.Int("page", pageIndex))
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", pageIndex, err)
		}
		pages = append(pages, text)
	}

	if joined := strings.Join(pages, ""); strings.TrimSpace(joined) == "" {
		return nil, fmt.Errorf("no text content extracted from pdf (%d pages)", totalPages)
	}

	e.logger.Debug("extracted pdf text", slog.Int("pages", len(pages)))
	return pages, nil
}

func (e *DocExtractor) extractOther(data []byte, contentType string) ([]string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), contentType, false)
	if err != nil {
		return nil, fmt.Errorf("docconv %s: %w", contentType, err)
	}
	if strings.TrimSpace(res.Body) == "" {
		return nil, fmt.Errorf("docconv %s: extracted empty text", contentType)
	}
	return []string{res.Body}, nil
}
