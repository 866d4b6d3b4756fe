// Package jira fetches issue metadata from a Jira instance.
package jira

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"timeclerk/internal/httpx"
)

// Issue is the subset of Jira issue metadata used for enrichment.
type Issue struct {
	Key      string
	Summary  string
	Status   string
	Resolved bool
	URL      string
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpx.Client(),
	}
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name           string `json:"name"`
			StatusCategory struct {
				Key string `json:"key"`
			} `json:"statusCategory"`
		} `json:"status"`
		Resolution *struct {
			Name string `json:"name"`
		} `json:"resolution"`
	} `json:"fields"`
}

// Fetch retrieves metadata for a single issue key such as "OPS-123".
func (c *Client) Fetch(key string) (Issue, error) {
	reqURL := fmt.Sprintf("%s/rest/api/2/issue/%s?fields=summary,status,resolution", c.baseURL, url.PathEscape(key))

	req, err := http.NewRequest("GET", reqURL, nil)
	if err != nil {
		return Issue{}, fmt.Errorf("creating jira request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Issue{}, fmt.Errorf("fetching jira issue %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Issue{}, fmt.Errorf("reading jira response for %s: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Issue{}, fmt.Errorf("jira issue %s not found", key)
	}
	if resp.StatusCode != http.StatusOK {
		return Issue{}, fmt.Errorf("jira API returned %d for %s: %s", resp.StatusCode, key, string(body))
	}

	var parsed issueResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Issue{}, fmt.Errorf("parsing jira response for %s: %w", key, err)
	}

	return Issue{
		Key:      parsed.Key,
		Summary:  parsed.Fields.Summary,
		Status:   parsed.Fields.Status.Name,
		Resolved: parsed.Fields.Resolution != nil || parsed.Fields.Status.StatusCategory.Key == "done",
		URL:      fmt.Sprintf("%s/browse/%s", c.baseURL, parsed.Key),
	}, nil
}
