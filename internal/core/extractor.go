package core

import "context"

// TextExtractor turns raw document bytes into per-page text. The
// contentType hint selects the parsing strategy; formats without a page
// structure come back as a single element.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) ([]string, error)
}
