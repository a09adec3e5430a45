// Package keypolicy derives canonical object-store keys for every document
// category the gateway manages. All functions are pure: the same logical
// inputs always produce the same key, which is what lets existence checks
// double as duplicate prevention.
package keypolicy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexoav/filegate/internal/sanitize"
)

// Section is the fiscal filing area a document belongs to.
type Section string

const (
	SectionSales     Section = "ventas"
	SectionQuotes    Section = "presupuestos"
	SectionTaxModels Section = "modelos"
)

// Valid reports whether s is one of the known fiscal sections.
func (s Section) Valid() bool {
	switch s {
	case SectionSales, SectionQuotes, SectionTaxModels:
		return true
	}
	return false
}

const (
	counterpartSlugMax = 30
	fileNameMax        = 80
)

// Quarter maps a calendar month to its fiscal quarter (1-4).
func Quarter(month time.Month) int {
	return (int(month) + 2) / 3
}

// FiscalDocumentKey builds the key for an archived sales or quote PDF:
// fiscal/<year>/T<q>/<section>/<number>_<counterpartSlug>.pdf
func FiscalDocumentKey(section Section, number, counterpartName string, issueDate time.Time) string {
	return fmt.Sprintf("fiscal/%d/T%d/%s/%s_%s.pdf",
		issueDate.Year(), Quarter(issueDate.Month()), section,
		segment(sanitize.Slug(number, 0)),
		segment(sanitize.Slug(counterpartName, counterpartSlugMax)))
}

// TaxModelKey builds the key for a tax model upload:
// fiscal/<year>/T<q>/modelos/<modelSlug>.<ext>
func TaxModelKey(year, quarter int, modelName, ext string) string {
	return fmt.Sprintf("fiscal/%d/T%d/%s/%s.%s",
		year, quarter, SectionTaxModels,
		segment(sanitize.Slug(modelName, counterpartSlugMax)),
		strings.ToLower(strings.TrimPrefix(ext, ".")))
}

// CatalogKey builds the key for a catalog product asset:
// catalog/<category slugs...>/<sku>/<filename>
// Category slugs and SKU keep only `[A-Za-z0-9_-]`; non-conforming
// characters are stripped, not escaped.
func CatalogKey(categories []string, sku, filename string) string {
	parts := make([]string, 0, len(categories)+3)
	parts = append(parts, "catalog")
	for _, c := range categories {
		parts = append(parts, segment(strict(c)))
	}
	parts = append(parts, segment(strict(sku)), segment(sanitize.FileName(filename, fileNameMax)))
	return strings.Join(parts, "/")
}

// CustomFolderKey places a sanitized filename under a folder's stored
// prefix. The prefix comes from the folder record, not from derivation.
func CustomFolderKey(prefix, filename string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + segment(sanitize.FileName(filename, fileNameMax))
}

// strict drops everything outside `[A-Za-z0-9_-]`.
func strict(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// segment guards against sanitization stripping an input to nothing, which
// would otherwise produce a key with an empty path segment.
func segment(s string) string {
	if s == "" {
		return "untitled-" + uuid.NewString()[:8]
	}
	return s
}
