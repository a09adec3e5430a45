package gateway

import (
	"path"
	"strings"
)

// Category selects the upload rules for an action. All upload actions
// consult this one table so the allow-lists cannot drift apart.
type Category string

const (
	CategoryGeneric  Category = "generic"
	CategoryCatalog  Category = "catalog"
	CategoryTaxModel Category = "tax_model"
)

// UploadRules bounds what one category of upload may contain.
type UploadRules struct {
	Extensions   []string
	MaxSizeBytes int64
}

const maxUploadBytes = 20 << 20 // 20 MiB

var uploadRules = map[Category]UploadRules{
	CategoryGeneric: {
		Extensions:   []string{"pdf", "doc", "docx", "xls", "xlsx", "csv", "txt", "jpg", "jpeg", "png", "webp", "zip"},
		MaxSizeBytes: maxUploadBytes,
	},
	CategoryCatalog: {
		Extensions:   []string{"jpg", "jpeg", "png", "webp", "pdf"},
		MaxSizeBytes: maxUploadBytes,
	},
	CategoryTaxModel: {
		Extensions:   []string{"pdf", "xlsx", "xls", "csv", "txt", "zip"},
		MaxSizeBytes: maxUploadBytes,
	},
}

// rulesFor returns the upload rules for a category.
func rulesFor(c Category) UploadRules {
	return uploadRules[c]
}

// AllowsExtension reports whether the filename's extension is on the
// category's allow-list.
func (r UploadRules) AllowsExtension(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" {
		return false
	}
	for _, allowed := range r.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// AllowsSize reports whether a declared size fits the cap. Unknown sizes
// (zero) pass; the store-side capability expiry and confirm step bound them.
func (r UploadRules) AllowsSize(sizeBytes int64) bool {
	return sizeBytes <= r.MaxSizeBytes
}
