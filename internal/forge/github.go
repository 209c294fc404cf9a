package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const commentMarker = "<!-- envzilla-preview -->"

// GitHub implements the Forge interface against api.github.com.
type GitHub struct {
	// Token is a personal access token used when no app is configured.
	Token string

	// App mints installation tokens when the webhook carries an
	// installation ID. Optional.
	App *AppAuth

	// Client is the HTTP client to use. If nil, http.DefaultClient is used.
	Client *http.Client

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// Name returns "github".
func (g *GitHub) Name() string {
	return "github"
}

// ParsePullRequest parses a pull_request webhook payload.
func (g *GitHub) ParsePullRequest(body []byte) (*PullRequestEvent, error) {
	var payload githubPRPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	if payload.PullRequest.Number <= 0 {
		return nil, fmt.Errorf("missing pull request number")
	}

	return &PullRequestEvent{
		Action:         payload.Action,
		Number:         payload.PullRequest.Number,
		Title:          payload.PullRequest.Title,
		HeadBranch:     payload.PullRequest.Head.Ref,
		BaseBranch:     payload.PullRequest.Base.Ref,
		CommitSHA:      payload.PullRequest.Head.SHA,
		Sender:         payload.Sender.Login,
		Merged:         payload.PullRequest.Merged,
		RepoFullName:   payload.Repository.FullName,
		CloneURL:       payload.Repository.CloneURL,
		InstallationID: payload.Installation.ID,
	}, nil
}

// UpsertComment edits the existing preview comment when one is found on the
// PR, otherwise creates a new one. The marker is invisible in rendered
// markdown.
func (g *GitHub) UpsertComment(ctx context.Context, repoFullName string, number int, installationID int64, body string) error {
	token, err := g.token(ctx, installationID)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	body = commentMarker + "\n" + body

	if id, err := g.findMarkedComment(ctx, token, repoFullName, number); err == nil && id != 0 {
		url := fmt.Sprintf("%s/repos/%s/issues/comments/%d", g.apiBase(), repoFullName, id)
		return g.send(ctx, token, http.MethodPatch, url, commentPayload{Body: body})
	}

	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", g.apiBase(), repoFullName, number)
	return g.send(ctx, token, http.MethodPost, url, commentPayload{Body: body})
}

func (g *GitHub) findMarkedComment(ctx context.Context, token, repoFullName string, number int) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments?per_page=100", g.apiBase(), repoFullName, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	g.setHeaders(req, token)

	resp, err := g.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("github api error: %s", resp.Status)
	}

	var comments []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return 0, fmt.Errorf("decode comments: %w", err)
	}

	for _, c := range comments {
		if strings.Contains(c.Body, commentMarker) {
			return c.ID, nil
		}
	}
	return 0, nil
}

func (g *GitHub) send(ctx context.Context, token, method, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	g.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("github api error: %s - %s", resp.Status, string(respBody))
	}
	return nil
}

// token prefers an installation token when an app and installation ID are
// available, falling back to the static token.
func (g *GitHub) token(ctx context.Context, installationID int64) (string, error) {
	if g.App != nil && installationID != 0 {
		return g.App.InstallationToken(ctx, installationID)
	}
	if g.Token == "" {
		return "", fmt.Errorf("no forge credentials configured")
	}
	return g.Token, nil
}

func (g *GitHub) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}

func (g *GitHub) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}

func (g *GitHub) apiBase() string {
	if g.BaseURL != "" {
		return strings.TrimSuffix(g.BaseURL, "/")
	}
	return "https://api.github.com"
}

type commentPayload struct {
	Body string `json:"body"`
}

type githubPRPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Merged bool   `json:"merged"`
		Head   struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}
