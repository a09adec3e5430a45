// Package pdfx sanity-checks PDF payloads before they are archived.
package pdfx

import (
	"bytes"
	"fmt"

	pdf "github.com/ledongthuc/pdf"
)

// PageCount parses data as a PDF and returns its page count. A payload that
// does not parse, or parses to zero pages, is rejected; the archival flow
// treats both as a corrupt render.
func PageCount(data []byte) (int, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	pages := doc.NumPage()
	if pages == 0 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return pages, nil
}
