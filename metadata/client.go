// Package metadata fetches the public models.dev vendor/model catalog. It
// carries no auth, retry, or persistent state: callers that want
// human-readable vendor and model labels use it directly, outside the
// router and registry.
package metadata

import (
	"context"
	"encoding/json"
	"net/http"
)

const defaultCatalogURL = "https://models.dev/api.json"

// Model describes one model entry in the catalog.
type Model struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Family            string            `json:"family"`
	Attachment        bool              `json:"attachment"`
	Reasoning         bool              `json:"reasoning"`
	ToolCall          bool              `json:"tool_call"`
	Interleaved       bool              `json:"interleaved"`
	StructuredOutput  bool              `json:"structured_output"`
	Temperature       bool              `json:"temperature"`
	Knowledge         string            `json:"knowledge"`
	ReleaseDate       string            `json:"release_date"`
	LastUpdated       string            `json:"last_updated"`
	Modalities        map[string]any    `json:"modalities"`
	OpenWeights       bool              `json:"open_weights"`
	Cost              map[string]any    `json:"cost"`
	Limit             map[string]any    `json:"limit"`
}

// Vendor describes one vendor entry in the catalog.
type Vendor struct {
	ID     string           `json:"id"`
	Env    []string         `json:"env"`
	NPM    string           `json:"npm"`
	API    string           `json:"api"`
	Name   string           `json:"name"`
	Doc    string           `json:"doc"`
	Models map[string]Model `json:"models"`
}

// Client is a thin GET client over the models.dev catalog.
type Client struct {
	catalogURL string
	client     *http.Client
}

// New returns a Client against the default catalog URL.
func New() *Client {
	return &Client{catalogURL: defaultCatalogURL, client: http.DefaultClient}
}

// WithCatalogURL overrides the catalog URL, mainly for tests.
func WithCatalogURL(url string) *Client {
	return &Client{catalogURL: url, client: http.DefaultClient}
}

// Fetch retrieves and decodes the full vendor catalog.
func (c *Client) Fetch(ctx context.Context) (map[string]Vendor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var vendors map[string]Vendor
	if err := json.NewDecoder(resp.Body).Decode(&vendors); err != nil {
		return nil, err
	}
	return vendors, nil
}

// DisplayName returns a human-readable "<vendor> <model>" label for
// vendorID/modelID, or modelID alone if not found in the catalog.
func DisplayName(vendors map[string]Vendor, vendorID, modelID string) string {
	vendor, ok := vendors[vendorID]
	if !ok {
		return modelID
	}
	model, ok := vendor.Models[modelID]
	if !ok {
		return modelID
	}
	return vendor.Name + " " + model.Name
}
