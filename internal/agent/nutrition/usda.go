package nutrition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Dataset categories accepted from the food database, most authoritative first.
const (
	DataTypeFoundation = "Foundation"
	DataTypeSRLegacy   = "SR Legacy"
)

const maxErrorBodySize = 4 << 10

// Food is one search candidate returned by the food database.
type Food struct {
	FDCID         int64          `json:"fdcId"`
	Description   string         `json:"description"`
	DataType      string         `json:"dataType"`
	BrandOwner    string         `json:"brandOwner,omitempty"`
	FoodNutrients []FoodNutrient `json:"foodNutrients"`
}

// FoodNutrient is one nutrient row of a candidate, per 100g.
type FoodNutrient struct {
	NutrientName string  `json:"nutrientName"`
	UnitName     string  `json:"unitName"`
	Value        float64 `json:"value"`
}

type searchResponse struct {
	TotalHits int    `json:"totalHits"`
	Foods     []Food `json:"foods"`
}

// Searcher queries a food database.
type Searcher interface {
	Search(ctx context.Context, query string, dataTypes []string) ([]Food, error)
}

// USDAClient talks to the FoodData Central search endpoint.
type USDAClient struct {
	baseURL  string
	apiKey   string
	pageSize int
	client   *http.Client
}

// NewUSDAClient creates a client. A nil httpClient uses a client with the given timeout.
func NewUSDAClient(baseURL, apiKey string, pageSize int, timeout time.Duration, httpClient *http.Client) *USDAClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	return &USDAClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		pageSize: pageSize,
		client:   httpClient,
	}
}

// Search runs a foods/search query restricted to dataTypes.
func (c *USDAClient) Search(ctx context.Context, query string, dataTypes []string) ([]Food, error) {
	params := url.Values{}
	params.Set("api_key", c.apiKey)
	params.Set("query", query)
	params.Set("pageSize", strconv.Itoa(c.pageSize))
	for _, dt := range dataTypes {
		params.Add("dataType", dt)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/foods/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("usda error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Foods, nil
}

var _ Searcher = (*USDAClient)(nil)
