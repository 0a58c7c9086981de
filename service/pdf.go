package service

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/ledongthuc/pdf"
)

// TextExtractor reads the text layer of a PDF.
type TextExtractor interface {
	// Extract returns the page count and the text of every page, each page
	// followed by a newline. Unreadable input yields *model.ExtractionError.
	Extract(data []byte) (pages int, text string, err error)
}

// PDFExtractor is the in-process TextExtractor.
type PDFExtractor struct{}

func (PDFExtractor) Extract(data []byte) (pages int, text string, err error) {
	// the parser panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			pages, text = 0, ""
			err = &model.ExtractionError{Err: fmt.Errorf("%v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, "", &model.ExtractionError{Err: err}
	}

	pages = reader.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			sb.WriteString("\n")
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return 0, "", &model.ExtractionError{Err: fmt.Errorf("page %d: %w", i, err)}
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	return pages, sb.String(), nil
}

// IsPDF reports whether an object should go through PDF checks.
func IsPDF(filename, contentType string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".pdf") || model.MediaType(contentType) == model.DefaultContentType
}
