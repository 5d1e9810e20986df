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

const maxOrganicResults = 3

type serpResponse struct {
	Error     string `json:"error"`
	AnswerBox *struct {
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
		Title   string `json:"title"`
		Link    string `json:"link"`
	} `json:"answer_box"`
	KnowledgeGraph *struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Source      struct {
			Link string `json:"link"`
		} `json:"source"`
	} `json:"knowledge_graph"`
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

// GoogleSearcher searches the web through SerpAPI.
func (tb *Toolbox) GoogleSearcher(userID string) agent.Tool {
	return agent.Tool{
		Name:        GoogleSearcherName,
		Description: "A search engine. Useful for when you need to answer questions about current events or look things up on the web. Input should be a search query.",
		Invoke: func(ctx context.Context, query string) string {
			query = strings.TrimSpace(query)
			if query == "" {
				return "the search query is empty, provide a query"
			}
			tb.notify(ctx, userID, fmt.Sprintf("Searching \"%s\" in Google", query))

			if tb.cfg.SerpAPIKey == "" {
				return "Google search is not configured"
			}
			out, err := tb.searchGoogle(ctx, query)
			if err != nil {
				slog.Warn("Toolbox.GoogleSearcher: search failed", "query", query, "error", err)
				return fmt.Sprintf("Google search failed: %v", err)
			}
			return out
		},
	}
}

func (tb *Toolbox) searchGoogle(ctx context.Context, query string) (string, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("api_key", tb.cfg.SerpAPIKey)
	params.Set("engine", "google")

	body, err := tb.get(ctx, tb.cfg.SerpAPIURL+"?"+params.Encode())
	if err != nil {
		return "", err
	}
	var resp serpResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("search API error: %s", resp.Error)
	}
	return flattenSerp(resp), nil
}

// flattenSerp turns a SerpAPI response into text the model can cite.
func flattenSerp(resp serpResponse) string {
	var parts []string
	if ab := resp.AnswerBox; ab != nil {
		text := ab.Answer
		if text == "" {
			text = ab.Snippet
		}
		if text != "" {
			parts = append(parts, withSource(text, ab.Link))
		}
	}
	if kg := resp.KnowledgeGraph; kg != nil && kg.Description != "" {
		parts = append(parts, withSource(kg.Title+": "+kg.Description, kg.Source.Link))
	}
	for i, r := range resp.OrganicResults {
		if i == maxOrganicResults {
			break
		}
		parts = append(parts, withSource(r.Title+"\n"+r.Snippet, r.Link))
	}
	if len(parts) == 0 {
		return "No good search result found"
	}
	return strings.Join(parts, "\n\n")
}

func withSource(text, link string) string {
	text = strings.TrimSpace(text)
	if link == "" {
		return text
	}
	return text + "\nSource: " + link
}
