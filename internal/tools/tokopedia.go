package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/BTreeMap/AskPipe/internal/agent"
)

const maxProducts = 5

type product struct {
	ID    json.RawMessage `json:"id"`
	Name  string          `json:"name"`
	Price json.RawMessage `json:"price"`
	URL   string          `json:"url"`
}

type productSearchResponse struct {
	Success bool      `json:"success"`
	Results []product `json:"results"`
}

type productResult struct {
	Product product `json:"product"`
}

// TokopediaSearcher looks products up in the product search service.
func (tb *Toolbox) TokopediaSearcher(userID string) agent.Tool {
	return agent.Tool{
		Name:        TokopediaSearcherName,
		Description: "Search products in Tokopedia. Useful for finding products, their prices and links. Input should be a product search query.",
		Invoke: func(ctx context.Context, query string) string {
			query = strings.TrimSpace(query)
			if query == "" {
				return "the search query is empty, provide a product to search"
			}
			tb.notify(ctx, userID, fmt.Sprintf("Searching \"%s\" in Tokopedia", query))

			out, err := tb.searchProducts(ctx, query)
			if err != nil {
				slog.Warn("Toolbox.TokopediaSearcher: search failed", "query", query, "error", err)
				return fmt.Sprintf("Tokopedia search failed: %v", err)
			}
			return out
		},
	}
}

func (tb *Toolbox) searchProducts(ctx context.Context, query string) (string, error) {
	base := strings.TrimRight(tb.cfg.ProductSearchURL, "/")
	body, err := tb.get(ctx, base+"/search/"+url.PathEscape(query))
	if err != nil {
		return "", err
	}
	var resp productSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode product response: %w", err)
	}
	if !resp.Success {
		return string(body), nil
	}

	results := resp.Results
	if len(results) > maxProducts {
		results = results[:maxProducts]
	}
	out := make([]productResult, len(results))
	for i, p := range results {
		out[i] = productResult{Product: p}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode products: %w", err)
	}
	return string(data), nil
}
