// Package render fetches PDF renditions of business documents from the
// render service.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Renderer produces the PDF bytes for an invoice.
type Renderer interface {
	RenderInvoice(ctx context.Context, invoiceID string) ([]byte, error)
}

// HTTPRenderer calls the render service over HTTP.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer constructs a renderer against the given base URL.
func NewHTTPRenderer(baseURL string) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type renderRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// RenderInvoice posts the invoice id and returns the rendered PDF bytes.
func (r *HTTPRenderer) RenderInvoice(ctx context.Context, invoiceID string) ([]byte, error) {
	body, err := json.Marshal(renderRequest{InvoiceID: invoiceID})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render/invoice", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", invoiceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render invoice %s: unexpected status %d", invoiceID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rendered pdf: %w", err)
	}
	return data, nil
}
