package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexoav/filegate/internal/archive"
	"github.com/nexoav/filegate/internal/config"
	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/objstore"
	"github.com/nexoav/filegate/internal/rpc"
)

var testSecret = []byte("test-secret")

type fakeLedger struct {
	byID    map[string]*ledger.StoredObject
	byKey   map[string]*ledger.StoredObject
	folders map[string]*ledger.CustomFolder
	listed  []*ledger.StoredObject

	inserted []*ledger.StoredObject
	ready    map[string]int64
	deleted  []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		byID:    map[string]*ledger.StoredObject{},
		byKey:   map[string]*ledger.StoredObject{},
		folders: map[string]*ledger.CustomFolder{},
		ready:   map[string]int64{},
	}
}

func (f *fakeLedger) Insert(_ context.Context, obj *ledger.StoredObject) error {
	if obj.ID == "" {
		obj.ID = "new-id"
	}
	f.inserted = append(f.inserted, obj)
	f.byID[obj.ID] = obj
	f.byKey[obj.Key] = obj
	return nil
}

func (f *fakeLedger) GetByID(_ context.Context, id string) (*ledger.StoredObject, error) {
	if obj, ok := f.byID[id]; ok {
		return obj, nil
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeLedger) GetByKey(_ context.Context, key string) (*ledger.StoredObject, error) {
	if obj, ok := f.byKey[key]; ok {
		return obj, nil
	}
	return nil, ledger.ErrNotFound
}

func (f *fakeLedger) MarkReady(_ context.Context, id string, size int64) error {
	f.ready[id] = size
	return nil
}

func (f *fakeLedger) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.byID, id)
	return nil
}

func (f *fakeLedger) ListByFiscalPeriod(_ context.Context, _ ledger.FiscalFilter) ([]*ledger.StoredObject, error) {
	return f.listed, nil
}

func (f *fakeLedger) GetFolder(_ context.Context, id string) (*ledger.CustomFolder, error) {
	if folder, ok := f.folders[id]; ok {
		return folder, nil
	}
	return nil, ledger.ErrNotFound
}

type fakeStore struct {
	existing     map[string]int64
	presigned    []string
	onPresignPut func()
}

func (f *fakeStore) PresignGet(_ context.Context, key, _ string) (string, error) {
	return "https://minio.test/get/" + key, nil
}

func (f *fakeStore) PresignPut(_ context.Context, key string) (string, error) {
	if f.onPresignPut != nil {
		f.onPresignPut()
	}
	f.presigned = append(f.presigned, key)
	return "https://minio.test/put/" + key, nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.existing[key]
	return ok, nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (int64, error) {
	size, ok := f.existing[key]
	if !ok {
		return 0, objstore.ErrNotExist
	}
	return size, nil
}

func (f *fakeStore) Bucket() string { return "nexoav" }

type fakeCatalog struct {
	products map[string]*rpc.ProductPath
}

func (f *fakeCatalog) GetCatalogProductStoragePath(_ context.Context, id string) (*rpc.ProductPath, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return nil, rpc.ErrNotFound
}

type fakeArchiver struct {
	result *archive.Result
	err    error
	calls  []string
}

func (f *fakeArchiver) Archive(_ context.Context, sourceType, sourceID, _ string) (*archive.Result, error) {
	f.calls = append(f.calls, sourceType+"/"+sourceID)
	return f.result, f.err
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) ScheduleReconcile(_ context.Context, fileID string) error {
	f.scheduled = append(f.scheduled, fileID)
	return nil
}

type testEnv struct {
	server    *Server
	router    http.Handler
	ledger    *fakeLedger
	store     *fakeStore
	catalog   *fakeCatalog
	archiver  *fakeArchiver
	scheduler *fakeScheduler
}

func newTestEnv() *testEnv {
	env := &testEnv{
		ledger:    newFakeLedger(),
		store:     &fakeStore{existing: map[string]int64{}},
		catalog:   &fakeCatalog{products: map[string]*rpc.ProductPath{}},
		archiver:  &fakeArchiver{},
		scheduler: &fakeScheduler{},
	}
	cfg := &config.Config{Address: ":0", JWTSecret: testSecret}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.server = New(cfg, env.ledger, env.store, env.catalog, env.archiver, env.scheduler, logger)
	env.router = env.server.Router()
	return env
}

func token(t *testing.T, role Role) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func (env *testEnv) call(t *testing.T, bearer string, body map[string]any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return rec, payload
}

func TestMissingAuthorization(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"action":"list_files"}`)))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv()
	rec, payload := env.call(t, "not-a-token", map[string]any{"action": "list_files", "fiscal_year": 2024})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, payload["ok"])
}

func TestStaffCannotArchive(t *testing.T) {
	env := newTestEnv()
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "archive_document", "source_type": "ventas", "source_id": "x", "pdf_base64": "aGk=",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.archiver.calls)
}

func TestUnknownAction(t *testing.T) {
	env := newTestEnv()
	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{"action": "drop_everything"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, payload["error"], "unknown action")
}

func TestPreflight(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Body.String())
}

func TestGetPresignedURL(t *testing.T) {
	env := newTestEnv()
	env.ledger.byID["f1"] = &ledger.StoredObject{
		ID: "f1", Key: "fiscal/2024/T2/ventas/INV-1_Acme.pdf", OriginalName: "INV-1.pdf",
	}

	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{"action": "get_presigned_url", "file_id": "f1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["ok"])
	assert.Equal(t, "https://minio.test/get/fiscal/2024/T2/ventas/INV-1_Acme.pdf", payload["url"])
	assert.Equal(t, "INV-1.pdf", payload["original_name"])
	assert.Equal(t, float64(300), payload["expires_in"])
}

func TestGetPresignedURLNotFound(t *testing.T) {
	env := newTestEnv()
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{"action": "get_presigned_url", "file_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPresignedURLByKey(t *testing.T) {
	env := newTestEnv()
	env.ledger.byKey["clientes/acme/doc.pdf"] = &ledger.StoredObject{
		ID: "f2", Key: "clientes/acme/doc.pdf", OriginalName: "doc.pdf",
	}
	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "get_presigned_url_by_key", "storage_key": "clientes/acme/doc.pdf",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc.pdf", payload["original_name"])
}

func TestListFilesRequiresYear(t *testing.T) {
	env := newTestEnv()
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{"action": "list_files"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListFiles(t *testing.T) {
	env := newTestEnv()
	env.ledger.listed = []*ledger.StoredObject{{ID: "a"}, {ID: "b"}}
	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{"action": "list_files", "fiscal_year": 2024})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payload["files"], 2)
}

func TestGetUploadURLValidation(t *testing.T) {
	env := newTestEnv()
	adminToken := token(t, RoleAdmin)

	rec, _ := env.call(t, adminToken, map[string]any{
		"action": "get_upload_url", "fiscal_year": 2024, "quarter": 5, "model_name": "Modelo 303", "extension": "pdf",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "quarter out of range")

	rec, _ = env.call(t, adminToken, map[string]any{
		"action": "get_upload_url", "fiscal_year": 2024, "quarter": 2, "model_name": "Modelo 303", "extension": "exe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "extension not allowed")
}

func TestGetUploadURL(t *testing.T) {
	env := newTestEnv()
	rec, payload := env.call(t, token(t, RoleAdmin), map[string]any{
		"action": "get_upload_url", "fiscal_year": 2024, "quarter": 2, "model_name": "Modelo 303", "extension": "pdf",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	wantKey := "fiscal/2024/T2/modelos/Modelo_303.pdf"
	assert.Equal(t, wantKey, payload["key"])
	assert.Equal(t, float64(600), payload["expires_in"])
	assert.Equal(t, "new-id", payload["file_id"])

	require.Len(t, env.ledger.inserted, 1)
	assert.Equal(t, ledger.StatusUploading, env.ledger.inserted[0].Status)
	assert.Equal(t, "tax_model", env.ledger.inserted[0].OwnerType)
	assert.Equal(t, []string{"new-id"}, env.scheduler.scheduled)
}

func TestGetUploadURLConflict(t *testing.T) {
	env := newTestEnv()
	env.store.existing["fiscal/2024/T2/modelos/Modelo_303.pdf"] = 100

	rec, _ := env.call(t, token(t, RoleAdmin), map[string]any{
		"action": "get_upload_url", "fiscal_year": 2024, "quarter": 2, "model_name": "Modelo 303", "extension": "pdf",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, env.ledger.inserted)
}

func TestUploadToCustomFolder(t *testing.T) {
	env := newTestEnv()
	env.ledger.folders["folder-1"] = &ledger.CustomFolder{ID: "folder-1", Name: "Acme", MinioPrefix: "clientes/acme/"}

	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_custom_folder", "folder_id": "folder-1",
		"filename": "contrato firmado.pdf", "mime_type": "application/pdf", "size_bytes": 1024,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "clientes/acme/contrato_firmado.pdf", payload["key"])

	require.Len(t, env.ledger.inserted, 1)
	rec2 := env.ledger.inserted[0]
	assert.Equal(t, "custom_folder", rec2.OwnerType)
	assert.Equal(t, "folder-1", *rec2.CustomFolderID)
	assert.Equal(t, "contrato firmado.pdf", rec2.OriginalName)
}

func TestUploadIntentRegisteredBeforeCapability(t *testing.T) {
	env := newTestEnv()
	env.ledger.folders["folder-1"] = &ledger.CustomFolder{ID: "folder-1", MinioPrefix: "clientes/acme/"}

	rowsAtPresign := -1
	env.store.onPresignPut = func() { rowsAtPresign = len(env.ledger.inserted) }

	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_custom_folder", "folder_id": "folder-1",
		"filename": "contrato.pdf", "size_bytes": 1024,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, rowsAtPresign, "intent row must be registered before the capability is minted")
}

func TestUploadToCustomFolderSizeCeiling(t *testing.T) {
	env := newTestEnv()
	env.ledger.folders["folder-1"] = &ledger.CustomFolder{ID: "folder-1", MinioPrefix: "clientes/acme/"}
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_custom_folder", "folder_id": "folder-1",
		"filename": "big.pdf", "size_bytes": 21 << 20,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadToCustomFolderMissingFolder(t *testing.T) {
	env := newTestEnv()
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_custom_folder", "folder_id": "nope", "filename": "a.pdf",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadToCatalogProduct(t *testing.T) {
	env := newTestEnv()
	env.catalog.products["p1"] = &rpc.ProductPath{SKU: "SKU-77", Categories: []string{"audio", "micros"}}

	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_catalog_product", "product_id": "p1", "filename": "foto técnica.jpg",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "catalog/audio/micros/SKU-77/foto_tecnica.jpg", payload["key"])
	assert.Equal(t, "catalog_product", env.ledger.inserted[0].OwnerType)
}

func TestUploadToCatalogProductNotFound(t *testing.T) {
	env := newTestEnv()
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_catalog_product", "product_id": "ghost", "filename": "a.jpg",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadToCatalogProductExtension(t *testing.T) {
	env := newTestEnv()
	env.catalog.products["p1"] = &rpc.ProductPath{SKU: "SKU-77"}
	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{
		"action": "upload_to_catalog_product", "product_id": "p1", "filename": "firmware.zip",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "zip allowed for generic uploads but not catalog")
}

func TestConfirmUpload(t *testing.T) {
	env := newTestEnv()
	env.ledger.byID["f1"] = &ledger.StoredObject{ID: "f1", Key: "clientes/acme/a.pdf", Status: ledger.StatusUploading}
	env.store.existing["clientes/acme/a.pdf"] = 2048

	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{"action": "confirm_custom_upload", "file_id": "f1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", payload["status"])
	assert.Equal(t, float64(2048), payload["size_bytes"])
	assert.Equal(t, int64(2048), env.ledger.ready["f1"])
}

func TestConfirmUploadIdempotent(t *testing.T) {
	env := newTestEnv()
	env.ledger.byID["f1"] = &ledger.StoredObject{ID: "f1", Key: "a.pdf", Status: ledger.StatusReady}

	rec, payload := env.call(t, token(t, RoleStaff), map[string]any{"action": "confirm_custom_upload", "file_id": "f1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already confirmed", payload["message"])
	assert.Empty(t, env.ledger.ready)
}

func TestConfirmUploadSelfHeals(t *testing.T) {
	env := newTestEnv()
	env.ledger.byID["f1"] = &ledger.StoredObject{ID: "f1", Key: "never/arrived.pdf", Status: ledger.StatusUploading}

	rec, _ := env.call(t, token(t, RoleStaff), map[string]any{"action": "confirm_custom_upload", "file_id": "f1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{"f1"}, env.ledger.deleted)
}

func TestArchiveDocument(t *testing.T) {
	env := newTestEnv()
	env.archiver.result = &archive.Result{
		FileID: "f9", Key: "fiscal/2024/T2/ventas/INV-2024-007_Acme_S_L.pdf", SizeBytes: 600,
	}

	rec, payload := env.call(t, token(t, RoleAdmin), map[string]any{
		"action": "archive_document", "source_type": "ventas", "source_id": "INV-2024-007", "pdf_base64": "aGVsbG8=",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fiscal/2024/T2/ventas/INV-2024-007_Acme_S_L.pdf", payload["key"])
	assert.Equal(t, []string{"ventas/INV-2024-007"}, env.archiver.calls)
}

func TestArchiveDocumentInvalidPayload(t *testing.T) {
	env := newTestEnv()
	env.archiver.err = archive.ErrInvalidPayload

	rec, _ := env.call(t, token(t, RoleAdmin), map[string]any{
		"action": "archive_document", "source_type": "ventas", "source_id": "INV-1", "pdf_base64": "aGk=",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArchiveDocumentMissingSource(t *testing.T) {
	env := newTestEnv()
	env.archiver.err = rpc.ErrNotFound

	rec, _ := env.call(t, token(t, RoleAdmin), map[string]any{
		"action": "archive_document", "source_type": "ventas", "source_id": "ghost", "pdf_base64": "aGk=",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
