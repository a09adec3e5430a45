package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nexoav/filegate/internal/keypolicy"
	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/objstore"
)

func decode[T any](raw []byte) (*T, error) {
	var req T
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}
	return &req, nil
}

type presignedURLRequest struct {
	FileID     string `json:"file_id"`
	StorageKey string `json:"storage_key"`
}

// actionGetPresignedURL issues a download capability for a registry row by id.
func (s *Server) actionGetPresignedURL(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[presignedURLRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.FileID == "" {
		return nil, fmt.Errorf("%w: file_id is required", errValidation)
	}
	obj, err := s.ledger.GetByID(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	return s.presignDownload(ctx, obj)
}

// actionGetPresignedURLByKey is the same lookup keyed by storage key.
func (s *Server) actionGetPresignedURLByKey(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[presignedURLRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.StorageKey == "" {
		return nil, fmt.Errorf("%w: storage_key is required", errValidation)
	}
	obj, err := s.ledger.GetByKey(ctx, req.StorageKey)
	if err != nil {
		return nil, err
	}
	return s.presignDownload(ctx, obj)
}

func (s *Server) presignDownload(ctx context.Context, obj *ledger.StoredObject) (map[string]any, error) {
	url, err := s.store.PresignGet(ctx, obj.Key, obj.OriginalName)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":           url,
		"original_name": obj.OriginalName,
		"expires_in":    int(objstore.GetExpiry.Seconds()),
	}, nil
}

type listFilesRequest struct {
	FiscalYear    int     `json:"fiscal_year"`
	FiscalQuarter *int    `json:"fiscal_quarter"`
	Section       *string `json:"section"`
}

// actionListFiles returns the registry rows for a fiscal period.
func (s *Server) actionListFiles(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[listFilesRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.FiscalYear == 0 {
		return nil, fmt.Errorf("%w: fiscal_year is required", errValidation)
	}
	if req.FiscalQuarter != nil && (*req.FiscalQuarter < 1 || *req.FiscalQuarter > 4) {
		return nil, fmt.Errorf("%w: fiscal_quarter must be between 1 and 4", errValidation)
	}
	if req.Section != nil && !keypolicy.Section(*req.Section).Valid() {
		return nil, fmt.Errorf("%w: unknown section %q", errValidation, *req.Section)
	}
	files, err := s.ledger.ListByFiscalPeriod(ctx, ledger.FiscalFilter{
		Year:    req.FiscalYear,
		Quarter: req.FiscalQuarter,
		Section: req.Section,
	})
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []*ledger.StoredObject{}
	}
	return map[string]any{"files": files}, nil
}

type uploadURLRequest struct {
	FiscalYear int    `json:"fiscal_year"`
	Quarter    int    `json:"quarter"`
	ModelName  string `json:"model_name"`
	Extension  string `json:"extension"`
}

// actionGetUploadURL issues an upload capability for a tax model document
// and registers the intent.
func (s *Server) actionGetUploadURL(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[uploadURLRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.FiscalYear <= 0 {
		return nil, fmt.Errorf("%w: fiscal_year is required", errValidation)
	}
	if req.Quarter < 1 || req.Quarter > 4 {
		return nil, fmt.Errorf("%w: quarter must be between 1 and 4", errValidation)
	}
	if req.ModelName == "" {
		return nil, fmt.Errorf("%w: model_name is required", errValidation)
	}
	fileName := fmt.Sprintf("%s.%s", req.ModelName, req.Extension)
	if !rulesFor(CategoryTaxModel).AllowsExtension(fileName) {
		return nil, fmt.Errorf("%w: extension %q not allowed", errValidation, req.Extension)
	}

	key := keypolicy.TaxModelKey(req.FiscalYear, req.Quarter, req.ModelName, req.Extension)
	section := string(keypolicy.SectionTaxModels)
	obj := &ledger.StoredObject{
		Bucket:        s.store.Bucket(),
		Key:           key,
		OriginalName:  fileName,
		OwnerType:     "tax_model",
		OwnerID:       req.ModelName,
		DocumentType:  &section,
		Status:        ledger.StatusUploading,
		FiscalYear:    &req.FiscalYear,
		FiscalQuarter: &req.Quarter,
	}
	return s.issueUploadIntent(ctx, key, obj)
}

type customFolderUploadRequest struct {
	FolderID  string `json:"folder_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// actionUploadToCustomFolder issues an upload capability under an ad-hoc
// folder prefix.
func (s *Server) actionUploadToCustomFolder(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[customFolderUploadRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.FolderID == "" || req.Filename == "" {
		return nil, fmt.Errorf("%w: folder_id and filename are required", errValidation)
	}
	if err := checkUpload(CategoryGeneric, req.Filename, req.SizeBytes); err != nil {
		return nil, err
	}

	folder, err := s.ledger.GetFolder(ctx, req.FolderID)
	if err != nil {
		return nil, err
	}
	key := keypolicy.CustomFolderKey(folder.MinioPrefix, req.Filename)

	var size *int64
	if req.SizeBytes > 0 {
		size = &req.SizeBytes
	}
	obj := &ledger.StoredObject{
		Bucket:         s.store.Bucket(),
		Key:            key,
		OriginalName:   req.Filename,
		MimeType:       req.MimeType,
		SizeBytes:      size,
		OwnerType:      "custom_folder",
		OwnerID:        req.FolderID,
		Status:         ledger.StatusUploading,
		CustomFolderID: &folder.ID,
	}
	return s.issueUploadIntent(ctx, key, obj)
}

type catalogUploadRequest struct {
	ProductID string `json:"product_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// actionUploadToCatalogProduct issues an upload capability for a catalog
// product asset, resolving the product's path first.
func (s *Server) actionUploadToCatalogProduct(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[catalogUploadRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" || req.Filename == "" {
		return nil, fmt.Errorf("%w: product_id and filename are required", errValidation)
	}
	if err := checkUpload(CategoryCatalog, req.Filename, req.SizeBytes); err != nil {
		return nil, err
	}

	product, err := s.catalog.GetCatalogProductStoragePath(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	key := keypolicy.CatalogKey(product.Categories, product.SKU, req.Filename)

	var size *int64
	if req.SizeBytes > 0 {
		size = &req.SizeBytes
	}
	obj := &ledger.StoredObject{
		Bucket:       s.store.Bucket(),
		Key:          key,
		OriginalName: req.Filename,
		MimeType:     req.MimeType,
		SizeBytes:    size,
		OwnerType:    "catalog_product",
		OwnerID:      req.ProductID,
		Status:       ledger.StatusUploading,
	}
	return s.issueUploadIntent(ctx, key, obj)
}

func checkUpload(category Category, filename string, sizeBytes int64) error {
	rules := rulesFor(category)
	if !rules.AllowsExtension(filename) {
		return fmt.Errorf("%w: extension of %q not allowed", errValidation, filename)
	}
	if !rules.AllowsSize(sizeBytes) {
		return fmt.Errorf("%w: size %d exceeds limit of %d bytes", errValidation, sizeBytes, rules.MaxSizeBytes)
	}
	return nil
}

// issueUploadIntent runs the shared upload tail: refuse to overwrite an
// existing object, register the intent, mint the capability, schedule the
// reconcile sweep.
func (s *Server) issueUploadIntent(ctx context.Context, key string, obj *ledger.StoredObject) (map[string]any, error) {
	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w at %s", errConflict, key)
	}

	if err := s.ledger.Insert(ctx, obj); err != nil {
		return nil, err
	}
	url, err := s.store.PresignPut(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.scheduler.ScheduleReconcile(ctx, obj.ID); err != nil {
		// The confirm action still self-heals without the sweep; log and go on.
		s.logger.Warn("schedule reconcile failed",
			slog.String("file_id", obj.ID), slog.String("error", err.Error()))
	}
	return map[string]any{
		"url":        url,
		"key":        key,
		"file_id":    obj.ID,
		"expires_in": int(objstore.PutExpiry.Seconds()),
	}, nil
}

type confirmRequest struct {
	FileID string `json:"file_id"`
}

// actionConfirmCustomUpload verifies an upload intent against the store.
// Confirming twice is a no-op; an intent whose object never arrived is
// removed so it cannot linger as UPLOADING.
func (s *Server) actionConfirmCustomUpload(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[confirmRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.FileID == "" {
		return nil, fmt.Errorf("%w: file_id is required", errValidation)
	}
	obj, err := s.ledger.GetByID(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	if obj.Status != ledger.StatusUploading {
		return map[string]any{"status": string(obj.Status), "message": "already confirmed"}, nil
	}

	size, err := s.store.Stat(ctx, obj.Key)
	if errors.Is(err, objstore.ErrNotExist) {
		if delErr := s.ledger.Delete(ctx, obj.ID); delErr != nil && !errors.Is(delErr, ledger.ErrNotFound) {
			return nil, delErr
		}
		return nil, fmt.Errorf("object was never uploaded: %w", objstore.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	if err := s.ledger.MarkReady(ctx, obj.ID, size); err != nil {
		return nil, err
	}
	return map[string]any{"status": string(ledger.StatusReady), "size_bytes": size}, nil
}

type archiveRequest struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	PDFBase64  string `json:"pdf_base64"`
}

// actionArchiveDocument stores a rendered invoice or quote under its
// deterministic fiscal key, superseding any prior version.
func (s *Server) actionArchiveDocument(ctx context.Context, raw []byte) (map[string]any, error) {
	req, err := decode[archiveRequest](raw)
	if err != nil {
		return nil, err
	}
	if req.SourceType == "" || req.SourceID == "" || req.PDFBase64 == "" {
		return nil, fmt.Errorf("%w: source_type, source_id and pdf_base64 are required", errValidation)
	}
	res, err := s.archiver.Archive(ctx, req.SourceType, req.SourceID, req.PDFBase64)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"file_id":    res.FileID,
		"key":        res.Key,
		"size_bytes": res.SizeBytes,
	}
	if res.ReplacedFileID != "" {
		payload["replaced_file_id"] = res.ReplacedFileID
	}
	return payload, nil
}
