package external

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"contractflow/internal/types"
)

// maxDocumentBytes caps a single document fetch. Contracts are PDFs of a few
// megabytes; anything larger indicates a CRM fault rather than a real upload.
const maxDocumentBytes = 64 << 20

// ContractDownloadClient fetches document content from the CRM. Unlike the
// lookup client it runs on the worker, not the ingestion hot path, so its
// retry policy is more patient.
type ContractDownloadClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
	logger  *slog.Logger
}

// NewContractDownloadClient creates a ContractDownloadClient sharing the
// lookup client's configuration shape.
func NewContractDownloadClient(httpClient *http.Client, cfg DocumentLookupConfig) *ContractDownloadClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"contract-download",
		RetryPolicy{
			MaxRetries: 3,
			MinWait:    500 * time.Millisecond,
			MaxWait:    8 * time.Second,
		},
		"ContractFlow/1.0",
	)

	return &ContractDownloadClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// NewContractDownloadClientWithBase creates a ContractDownloadClient with a
// pre-configured BaseClient, letting tests control retry behavior.
func NewContractDownloadClientWithBase(base *BaseClient, cfg DocumentLookupConfig) *ContractDownloadClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ContractDownloadClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// FetchDocument downloads the raw content of a contact's document. A 404 is
// a hard error here, unlike lookup: a contract_download message names a
// specific document that is supposed to exist.
func (c *ContractDownloadClient) FetchDocument(ctx context.Context, contactID, docID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/contacts/%s/documents/%s/content",
		c.baseURL, url.PathEscape(contactID), url.PathEscape(docID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamLookup, "failed to build download request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewAppError(
			types.ErrCodeUpstreamLookup,
			fmt.Sprintf("document download returned %d: %s", resp.StatusCode, string(body)),
			nil,
		)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamLookup, "failed to read document content", err)
	}
	if len(content) > maxDocumentBytes {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamLookup,
			fmt.Sprintf("document %s exceeds the %d byte limit", docID, maxDocumentBytes),
			nil,
		)
	}
	if len(content) == 0 {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamLookup,
			fmt.Sprintf("document %s has no content", docID),
			nil,
		)
	}

	c.logger.InfoContext(ctx, "document fetched",
		"contact_id", contactID,
		"doc_id", docID,
		"bytes", len(content),
	)
	return content, nil
}
