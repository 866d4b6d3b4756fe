// Package github fetches pull request metadata for linked work items.
package github

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timeclerk/internal/httpx"
)

// PullRequest is the subset of PR metadata used for enrichment.
type PullRequest struct {
	Ref      string // "org/repo#123"
	Title    string
	State    string // "open" or "closed"
	Merged   bool
	HTMLURL  string
	Author   string
	ClosedAt time.Time
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		baseURL: "https://api.github.com",
		token:   token,
		http:    httpx.Client(),
	}
}

type pullResponse struct {
	Title   string `json:"title"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	ClosedAt string `json:"closed_at"`
}

// Fetch retrieves a pull request by reference, e.g. "acme/billing#482".
func (c *Client) Fetch(ref string) (PullRequest, error) {
	owner, repo, number, err := parseRef(ref)
	if err != nil {
		return PullRequest{}, err
	}

	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, number)
	req, err := http.NewRequest("GET", apiURL, nil)
	if err != nil {
		return PullRequest{}, fmt.Errorf("creating github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return PullRequest{}, fmt.Errorf("fetching %s: %w", ref, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PullRequest{}, fmt.Errorf("reading response for %s: %w", ref, err)
	}
	if resp.StatusCode != 200 {
		return PullRequest{}, fmt.Errorf("GitHub API returned %d for %s: %s", resp.StatusCode, ref, string(body))
	}

	var parsed pullResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return PullRequest{}, fmt.Errorf("parsing response for %s: %w", ref, err)
	}

	var closedAt time.Time
	if parsed.ClosedAt != "" {
		closedAt, _ = time.Parse(time.RFC3339, parsed.ClosedAt)
	}

	return PullRequest{
		Ref:      ref,
		Title:    parsed.Title,
		State:    parsed.State,
		Merged:   parsed.Merged,
		HTMLURL:  parsed.HTMLURL,
		Author:   parsed.User.Login,
		ClosedAt: closedAt,
	}, nil
}

// parseRef splits "org/repo#123" into its parts.
func parseRef(ref string) (owner, repo string, number int, err error) {
	slash := strings.Index(ref, "/")
	hash := strings.LastIndex(ref, "#")
	if slash <= 0 || hash <= slash+1 || hash == len(ref)-1 {
		return "", "", 0, fmt.Errorf("invalid pull request reference %q", ref)
	}
	number, err = strconv.Atoi(ref[hash+1:])
	if err != nil || number < 1 {
		return "", "", 0, fmt.Errorf("invalid pull request number in %q", ref)
	}
	return ref[:slash], ref[slash+1 : hash], number, nil
}
