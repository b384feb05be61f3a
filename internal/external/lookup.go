package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"contractflow/internal/types"
)

// DocumentLookupConfig holds the configuration for creating a
// DocumentLookupClient.
type DocumentLookupConfig struct {
	BaseURL string
	APIKey  types.SecretString
	Logger  *slog.Logger
}

// documentRecord is one entry of the CRM document listing response.
type documentRecord struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
}

// documentListResponse is the CRM response for a contact's document listing.
type documentListResponse struct {
	Documents []documentRecord `json:"documents"`
}

// DocumentLookupClient resolves a human-entered file name to the CRM's
// canonical document id by listing a contact's documents through BaseClient.
// Used to repair webhook payloads that arrived without a usable document id.
type DocumentLookupClient struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
	logger  *slog.Logger
}

// NewDocumentLookupClient creates a DocumentLookupClient. The httpClient
// timeout should be short (a few seconds): lookup is best-effort enhancement
// on the ingestion hot path and must not stall webhook responses.
func NewDocumentLookupClient(httpClient *http.Client, cfg DocumentLookupConfig) *DocumentLookupClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"document-lookup",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    250 * time.Millisecond,
			MaxWait:    2 * time.Second,
		},
		"ContractFlow/1.0",
	)

	return &DocumentLookupClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// NewDocumentLookupClientWithBase creates a DocumentLookupClient with a
// pre-configured BaseClient, letting tests control retry behavior.
func NewDocumentLookupClientWithBase(base *BaseClient, cfg DocumentLookupConfig) *DocumentLookupClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DocumentLookupClient{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// ResolveDocumentID lists the contact's documents and returns the id of the
// entry whose file name matches docName (case-insensitive). When several
// match, the last one wins: document listings are ordered oldest-first and
// re-uploads of the same file name supersede earlier copies. Returns "" with
// no error when nothing matches, so callers can keep their original id.
func (c *DocumentLookupClient) ResolveDocumentID(ctx context.Context, contactID, docName string) (string, error) {
	endpoint := fmt.Sprintf("%s/contacts/%s/documents?name=%s",
		c.baseURL, url.PathEscape(contactID), url.QueryEscape(docName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamLookup, "failed to build lookup request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown contact or no documents: nothing to resolve.
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", types.NewAppError(
			types.ErrCodeUpstreamLookup,
			fmt.Sprintf("document lookup returned %d: %s", resp.StatusCode, string(body)),
			nil,
		)
	}

	var listing documentListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamLookup, "failed to decode lookup response", err)
	}

	resolved := ""
	for _, doc := range listing.Documents {
		if strings.EqualFold(doc.FileName, docName) {
			resolved = doc.ID
		}
	}

	if resolved == "" {
		c.logger.DebugContext(ctx, "document lookup found no match",
			"contact_id", contactID,
			"doc_name", docName,
			"candidates", len(listing.Documents),
		)
	}
	return resolved, nil
}
