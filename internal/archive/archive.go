// Package archive implements the server-side archival flow: render payload
// in, deterministic key out, prior version retired.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nexoav/filegate/internal/keypolicy"
	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/pdfx"
	"github.com/nexoav/filegate/internal/rpc"
)

var (
	// ErrInvalidSource is returned for a source_type outside ventas/presupuestos.
	ErrInvalidSource = errors.New("archive: invalid source type")
	// ErrInvalidPayload is returned when the payload does not decode, is
	// under the size floor, or does not parse as a PDF.
	ErrInvalidPayload = errors.New("archive: invalid pdf payload")
)

// Payloads smaller than this are treated as corrupt or empty renders.
const minPayloadBytes = 500

// Ledger is the registry surface the archival flow needs.
type Ledger interface {
	FindActiveBySource(ctx context.Context, sourceTable, sourceID string) (*ledger.StoredObject, error)
	ReplaceArchival(ctx context.Context, obj *ledger.StoredObject) error
}

// ObjectStore performs the server-side put.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Bucket() string
}

// Finance resolves document metadata and writes the assigned key back.
type Finance interface {
	GetInvoice(ctx context.Context, id string) (*rpc.DocumentInfo, error)
	GetQuote(ctx context.Context, id string) (*rpc.DocumentInfo, error)
	SetInvoiceStorageKey(ctx context.Context, id, key string) error
	SetQuoteStorageKey(ctx context.Context, id, key string) error
}

// Service archives rendered documents into the object store.
type Service struct {
	ledger  Ledger
	store   ObjectStore
	finance Finance
	logger  *slog.Logger

	// swapped out in tests
	validatePDF func([]byte) (int, error)
}

// New constructs a Service.
func New(repo Ledger, store ObjectStore, finance Finance, logger *slog.Logger) *Service {
	return &Service{
		ledger:      repo,
		store:       store,
		finance:     finance,
		logger:      logger,
		validatePDF: pdfx.PageCount,
	}
}

// Result describes the archived object. ReplacedFileID is set when a prior
// active record for the same source was retired.
type Result struct {
	FileID         string `json:"file_id"`
	Key            string `json:"key"`
	SizeBytes      int64  `json:"size_bytes"`
	ReplacedFileID string `json:"replaced_file_id,omitempty"`
}

type sourceSpec struct {
	table   string
	section keypolicy.Section
	get     func(Finance, context.Context, string) (*rpc.DocumentInfo, error)
	setKey  func(Finance, context.Context, string, string) error
}

var sources = map[string]sourceSpec{
	"ventas": {
		table:   "invoices",
		section: keypolicy.SectionSales,
		get:     func(f Finance, ctx context.Context, id string) (*rpc.DocumentInfo, error) { return f.GetInvoice(ctx, id) },
		setKey:  func(f Finance, ctx context.Context, id, key string) error { return f.SetInvoiceStorageKey(ctx, id, key) },
	},
	"presupuestos": {
		table:   "quotes",
		section: keypolicy.SectionQuotes,
		get:     func(f Finance, ctx context.Context, id string) (*rpc.DocumentInfo, error) { return f.GetQuote(ctx, id) },
		setKey:  func(f Finance, ctx context.Context, id, key string) error { return f.SetQuoteStorageKey(ctx, id, key) },
	},
}

// Archive stores a rendered document under its deterministic fiscal key,
// retires any prior active record for the same source and writes the key
// back onto the owning business row. Validation happens before any side
// effect; once the object is written, failures surface without rollback
// (the deterministic key makes a retry converge).
func (s *Service) Archive(ctx context.Context, sourceType, sourceID, pdfBase64 string) (*Result, error) {
	spec, ok := sources[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, sourceType)
	}

	doc, err := spec.get(s.finance, ctx, sourceID)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(pdfBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(data) < minPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPayload, len(data))
	}
	pages, err := s.validatePDF(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var replacedID string
	prior, err := s.ledger.FindActiveBySource(ctx, spec.table, sourceID)
	switch {
	case err == nil:
		replacedID = prior.ID
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, fmt.Errorf("find prior record: %w", err)
	}

	key := keypolicy.FiscalDocumentKey(spec.section, doc.Number, doc.CounterpartName, doc.IssueDate)
	if err := s.store.Put(ctx, key, data, "application/pdf"); err != nil {
		return nil, fmt.Errorf("store archive object: %w", err)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	size := int64(len(data))
	section := string(spec.section)
	year := doc.IssueDate.Year()
	quarter := keypolicy.Quarter(doc.IssueDate.Month())
	month := int(doc.IssueDate.Month())
	issueDate := doc.IssueDate

	obj := &ledger.StoredObject{
		Bucket:             s.store.Bucket(),
		Key:                key,
		OriginalName:       fmt.Sprintf("%s.pdf", doc.Number),
		MimeType:           "application/pdf",
		SizeBytes:          &size,
		OwnerType:          spec.table,
		OwnerID:            sourceID,
		DocumentType:       &section,
		Checksum:           &checksum,
		FiscalYear:         &year,
		FiscalQuarter:      &quarter,
		FiscalMonth:        &month,
		DocumentDate:       &issueDate,
		AutoGenerated:      true,
		ArchivedFromStatus: &doc.Status,
		SourceTable:        &spec.table,
		SourceID:           &sourceID,
	}
	if err := s.ledger.ReplaceArchival(ctx, obj); err != nil {
		return nil, fmt.Errorf("record archive: %w", err)
	}

	if err := spec.setKey(s.finance, ctx, sourceID, key); err != nil {
		return nil, fmt.Errorf("write back storage key: %w", err)
	}

	s.logger.Info("document archived",
		slog.String("source_type", sourceType),
		slog.String("source_id", sourceID),
		slog.String("key", key),
		slog.String("replaced_file_id", replacedID),
		slog.Int("pages", pages),
		slog.Int64("size", size))

	return &Result{FileID: obj.ID, Key: key, SizeBytes: size, ReplacedFileID: replacedID}, nil
}
