package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/imkarma/cardflow/internal/api"
)

// ErrNoJSON is returned when model output contains no JSON object.
var ErrNoJSON = errors.New("no valid JSON object found in the model response")

// ExtractJSON returns the text between the first '{' and the last '}', which
// strips markdown fences and chatter around the object.
func ExtractJSON(output string) (string, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end == -1 || end < start {
		return "", ErrNoJSON
	}
	return output[start : end+1], nil
}

// cardList is the object the planner prompt asks for.
type cardList struct {
	Cards []api.CardData `json:"cards"`
	Error string         `json:"error,omitempty"`
}

// ParseCards extracts the card list from planner output. Malformed JSON is
// repaired once before giving up.
func ParseCards(output string) ([]api.CardData, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return nil, err
	}

	var list cardList
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		fixed, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		list = cardList{}
		if err := json.Unmarshal([]byte(fixed), &list); err != nil {
			return nil, fmt.Errorf("invalid JSON after repair: %w", err)
		}
	}

	if list.Error != "" {
		return nil, fmt.Errorf("model reported an error: %s", list.Error)
	}
	if list.Cards == nil {
		return nil, errors.New("model response is missing the 'cards' list")
	}
	for i, c := range list.Cards {
		if c.CardID == "" {
			return nil, fmt.Errorf("card %d: card_id is required", i)
		}
		if strings.TrimSpace(c.Title) == "" {
			return nil, fmt.Errorf("card %q: title is required", c.CardID)
		}
	}
	return list.Cards, nil
}

// ValidateDependencies checks that every dependency names a card_id present
// in the same response.
func ValidateDependencies(cards []api.CardData) error {
	ids := make(map[string]bool, len(cards))
	for _, c := range cards {
		ids[c.CardID] = true
	}
	for _, c := range cards {
		for _, dep := range c.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("invalid dependency graph: card %q depends on non-existent card_id %q", c.Title, dep)
			}
		}
	}
	return nil
}

// retryable reports whether a failed model call was an overload or rate
// limit that is worth retrying.
func retryable(resp *Response) bool {
	if resp == nil || resp.Error == nil {
		return false
	}
	switch resp.ExitCode {
	case 429, 529, 503:
		return true
	}
	msg := strings.ToLower(resp.Error.Error())
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "rate limit")
}
