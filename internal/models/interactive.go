package models

import "fmt"

// ListRow is one selectable row of an interactive list.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups list rows under a title.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// InteractiveSuggestion is a follow-up question rendered as a list item.
type InteractiveSuggestion struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// SuggestionIDPrefix marks list reply identifiers that carry a suggestion index.
const SuggestionIDPrefix = "ask:"

// SuggestionID builds the list row identifier for the n-th suggestion.
func SuggestionID(n int) string {
	return fmt.Sprintf("%s%d", SuggestionIDPrefix, n)
}

// Row converts the suggestion into a list row.
func (s InteractiveSuggestion) Row() ListRow {
	return ListRow{ID: s.ID, Title: s.Title, Description: s.Description}
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max == 1 {
		return string(r[:1])
	}
	return string(r[:max-1]) + "…"
}

// BuildSuggestions converts follow-up questions into bounded interactive suggestions.
// Empty questions are skipped; at most MaxListRows suggestions are returned.
func BuildSuggestions(questions []string) []InteractiveSuggestion {
	var out []InteractiveSuggestion
	for i, q := range questions {
		if len(out) == MaxListRows {
			break
		}
		if Normalize(q) == "" {
			continue
		}
		s := InteractiveSuggestion{
			ID:    SuggestionID(i),
			Title: Truncate(q, MaxRowTitleLength),
		}
		if len([]rune(q)) > MaxRowTitleLength {
			s.Description = Truncate(q, MaxRowDescriptionLength)
		}
		out = append(out, s)
	}
	return out
}
