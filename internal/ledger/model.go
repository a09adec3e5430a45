// Package ledger tracks every object believed to exist in the store: its
// location, owner, fiscal tags and lifecycle status.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no matching non-deleted record exists.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrConflict is returned when an insert collides with the active
	// archival record for the same source.
	ErrConflict = errors.New("ledger: conflicting record exists")
)

// Status is the lifecycle state of a stored object record.
type Status string

const (
	// StatusUploading marks an upload intent; the object may not exist yet.
	StatusUploading Status = "UPLOADING"
	// StatusReady means the object was verified present after a client upload.
	StatusReady Status = "READY"
	// StatusActive marks records created by a server-side put (archival).
	StatusActive Status = "ACTIVE"
	// StatusReplaced marks records superseded by a newer archival.
	StatusReplaced Status = "REPLACED"
)

// StoredObject is one row of the file registry.
type StoredObject struct {
	ID           string  `json:"id"`
	Bucket       string  `json:"bucket"`
	Key          string  `json:"key"`
	OriginalName string  `json:"original_name"`
	MimeType     string  `json:"mime_type,omitempty"`
	SizeBytes    *int64  `json:"size_bytes,omitempty"`
	OwnerType    string  `json:"owner_type"`
	OwnerID      string  `json:"owner_id"`
	DocumentType *string `json:"document_type,omitempty"`
	Status       Status  `json:"status"`
	Checksum     *string `json:"checksum,omitempty"`

	FiscalYear    *int       `json:"fiscal_year,omitempty"`
	FiscalQuarter *int       `json:"fiscal_quarter,omitempty"`
	FiscalMonth   *int       `json:"fiscal_month,omitempty"`
	DocumentDate  *time.Time `json:"document_date,omitempty"`

	AutoGenerated      bool    `json:"auto_generated"`
	ArchivedFromStatus *string `json:"archived_from_status,omitempty"`
	SourceTable        *string `json:"source_table,omitempty"`
	SourceID           *string `json:"source_id,omitempty"`

	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CustomFolderID *string    `json:"custom_folder_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CustomFolder is an ad-hoc storage folder with a fixed key prefix.
type CustomFolder struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MinioPrefix string    `json:"minio_prefix"`
	CreatedAt   time.Time `json:"created_at"`
}

// FiscalFilter selects registry rows for fiscal-period browsing.
type FiscalFilter struct {
	Year    int
	Quarter *int
	Section *string
}
