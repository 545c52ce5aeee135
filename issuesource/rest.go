package issuesource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// RESTClient is a minimal forge client over the GitHub-shaped REST API. It is
// not the subject of this specification (§1 non-goals) and deliberately
// implements only what WorkerRuntime and the Supervisor need; it is not a
// general-purpose forge SDK.
type RESTClient struct {
	baseURL string
	owner   string
	repo    string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient builds a Client against the given owner/repo, authenticating
// with token (the "single environment variable... access token" of §6).
// Transient network failures are retried with backoff and, on sustained
// failure, trip a circuit breaker so a down forge does not stall every tick.
func NewRESTClient(baseURL, owner, repo, token string) *RESTClient {
	st := gobreaker.Settings{
		Name:        "issuesource",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &RESTClient{
		baseURL: baseURL,
		owner:   owner,
		repo:    repo,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

func (c *RESTClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (c *RESTClient) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("issuesource: encode request: %w", err)
		}
		payload = b
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("issuesource: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
			return ErrPermission
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("issuesource: server error %d", resp.StatusCode)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("issuesource: request failed with status %d", resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("issuesource: decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("issuesource: exhausted retries: %w", lastErr)
}

func (c *RESTClient) ListOpenIssues(ctx context.Context, filter ListFilter) ([]Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues?state=open", c.owner, c.repo)
	var raw []struct {
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
		Labels    []struct {
			Name string `json:"name"`
		} `json:"labels"`
		PullRequest *struct{} `json:"pull_request"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	var out []Issue
	for _, r := range raw {
		if r.PullRequest != nil {
			continue // GitHub lists PRs in the issues endpoint; exclude them
		}
		labels := make([]string, 0, len(r.Labels))
		for _, l := range r.Labels {
			labels = append(labels, l.Name)
		}
		if !matchesFilter(labels, filter) {
			continue
		}
		out = append(out, Issue{
			ID:         r.Number,
			Title:      r.Title,
			Body:       r.Body,
			Labels:     labels,
			CreatedAt:  r.CreatedAt,
			Complexity: EstimateComplexity(labels, len(r.Body)),
		})
	}
	return out, nil
}

func matchesFilter(labels []string, filter ListFilter) bool {
	has := func(set []string, want string) bool {
		for _, s := range set {
			if s == want {
				return true
			}
		}
		return false
	}
	for _, req := range filter.Labels {
		if !has(labels, req) {
			return false
		}
	}
	for _, excl := range filter.ExcludeLabels {
		if has(labels, excl) {
			return false
		}
	}
	return true
}

func (c *RESTClient) GetIssue(ctx context.Context, id int) (Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, id)
	var raw struct {
		Number    int       `json:"number"`
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		CreatedAt time.Time `json:"created_at"`
		Labels    []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return Issue{}, err
	}
	labels := make([]string, 0, len(raw.Labels))
	for _, l := range raw.Labels {
		labels = append(labels, l.Name)
	}
	return Issue{
		ID:         raw.Number,
		Title:      raw.Title,
		Body:       raw.Body,
		Labels:     labels,
		CreatedAt:  raw.CreatedAt,
		Complexity: EstimateComplexity(labels, len(raw.Body)),
	}, nil
}

func (c *RESTClient) FindOpenChangeRequestForBranch(ctx context.Context, branch string) (*ChangeRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s:%s", c.owner, c.repo, c.owner, branch)
	var raw []prResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	cr := raw[0].toChangeRequest()
	return &cr, nil
}

type prResponse struct {
	Number     int    `json:"number"`
	HTMLURL    string `json:"html_url"`
	Mergeable  *bool  `json:"mergeable"`
	Head       struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

func (r prResponse) toChangeRequest() ChangeRequest {
	m := MergeableUnknown
	if r.Mergeable != nil {
		if *r.Mergeable {
			m = MergeableTrue
		} else {
			m = MergeableFalse
		}
	}
	return ChangeRequest{
		ID:         r.Number,
		URL:        r.HTMLURL,
		HeadBranch: r.Head.Ref,
		HeadCommit: r.Head.SHA,
		Mergeable:  m,
	}
}

// CreateChangeRequest creates a PR for branch. Per §4.2, creation must be
// idempotent: a 422-class "already exists" response falls through to
// FindOpenChangeRequestForBranch and adopts the existing PR.
func (c *RESTClient) CreateChangeRequest(ctx context.Context, branch, title, body string) (ChangeRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls", c.owner, c.repo)
	reqBody := map[string]string{"title": title, "body": body, "head": branch, "base": "main"}
	var raw prResponse
	err := c.do(ctx, http.MethodPost, path, reqBody, &raw)
	if err != nil {
		if existing, findErr := c.FindOpenChangeRequestForBranch(ctx, branch); findErr == nil && existing != nil {
			return *existing, nil
		}
		return ChangeRequest{}, err
	}
	return raw.toChangeRequest(), nil
}

func (c *RESTClient) ListReviews(ctx context.Context, cr ChangeRequest) ([]Review, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", c.owner, c.repo, cr.ID)
	var raw []struct {
		ID    int64  `json:"id"`
		State string `json:"state"`
		Body  string `json:"body"`
		User  struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var out []Review
	for _, r := range raw {
		out = append(out, Review{
			ID:     fmt.Sprintf("%d", r.ID),
			State:  mapReviewState(r.State),
			Author: Author{Login: r.User.Login, Type: AuthorType(r.User.Type)},
			Body:   r.Body,
		})
	}
	return out, nil
}

func mapReviewState(githubState string) ReviewState {
	switch githubState {
	case "APPROVED":
		return ReviewApproved
	case "CHANGES_REQUESTED":
		return ReviewChangesRequested
	case "COMMENTED":
		return ReviewCommented
	default:
		return ReviewPending
	}
}

func (c *RESTClient) ListIssueComments(ctx context.Context, cr ChangeRequest) ([]RawComment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, cr.ID)
	var raw []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	var out []RawComment
	for _, r := range raw {
		out = append(out, RawComment{
			ID:     fmt.Sprintf("%d", r.ID),
			Author: Author{Login: r.User.Login, Type: AuthorType(r.User.Type)},
			Body:   r.Body,
		})
	}
	return out, nil
}

func (c *RESTClient) GetCombinedCheckStatus(ctx context.Context, commit string) (CheckStatus, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/status", c.owner, c.repo, commit)
	var combined struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &combined); err != nil {
		return "", err
	}

	checksPath := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", c.owner, c.repo, commit)
	var checks struct {
		CheckRuns []struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	if err := c.do(ctx, http.MethodGet, checksPath, nil, &checks); err != nil {
		return "", err
	}

	failed := combined.State == "failure" || combined.State == "error"
	pending := combined.State == "pending"
	for _, run := range checks.CheckRuns {
		if run.Status != "completed" {
			pending = true
			continue
		}
		if run.Conclusion == "failure" || run.Conclusion == "timed_out" || run.Conclusion == "cancelled" {
			failed = true
		}
	}

	switch {
	case failed:
		return CheckFailure, nil
	case pending:
		return CheckPending, nil
	default:
		return CheckSuccess, nil
	}
}

func (c *RESTClient) Merge(ctx context.Context, cr ChangeRequest) (bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", c.owner, c.repo, cr.ID)
	var resp struct {
		Merged bool `json:"merged"`
	}
	if err := c.do(ctx, http.MethodPut, path, map[string]string{"merge_method": "squash"}, &resp); err != nil {
		return false, err
	}
	return resp.Merged, nil
}

func (c *RESTClient) Mergeable(ctx context.Context, cr ChangeRequest) (Mergeability, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, cr.ID)
	var raw prResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return MergeableUnknown, err
	}
	return raw.toChangeRequest().Mergeable, nil
}

func (c *RESTClient) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues", c.owner, c.repo)
	reqBody := map[string]interface{}{"title": title, "body": body, "labels": labels}
	var resp struct {
		Number int `json:"number"`
	}
	if err := c.do(ctx, http.MethodPost, path, reqBody, &resp); err != nil {
		return 0, err
	}
	return resp.Number, nil
}
