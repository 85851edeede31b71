// Package git builds commits from content-addressed objects and automates
// branches and pull requests against GitHub's REST API.
package git

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrConflict is returned when the branch ref moved between reading the head
// and updating it. The caller must recompute from the new head and retry;
// nothing is overwritten.
var ErrConflict = errors.New("git: branch ref moved, fast-forward rejected")

// Client talks to the GitHub data and pulls APIs.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a GitHub client. baseURL is overridable for tests; empty
// selects api.github.com.
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BuildCommit creates a commit on top of branch's current head containing the
// given files, then fast-forwards the ref to it.
//
// Steps 1-5 only create orphan objects; the ref update in step 6 is the single
// mutation of shared state. If the branch moved since the head was read, the
// update fails with ErrConflict.
func (c *Client) BuildCommit(ctx context.Context, owner, repo, branch string, files map[string]string, message string) (*Commit, error) {
	// Step 1: head ref.
	baseSHA, err := c.getRefSHA(ctx, owner, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", branch, err)
	}

	// Step 2: base tree.
	baseTree, err := c.getCommitTree(ctx, owner, repo, baseSHA)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", baseSHA, err)
	}

	// Step 3: one blob per file.
	type treeEntry struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	entries := make([]treeEntry, 0, len(files))
	for path, content := range files {
		blob, err := c.CreateBlob(ctx, owner, repo, []byte(content))
		if err != nil {
			return nil, fmt.Errorf("create blob for %s: %w", path, err)
		}
		entries = append(entries, treeEntry{
			Path: strings.TrimPrefix(path, "/"),
			Mode: "100644",
			Type: "blob",
			SHA:  blob.SHA,
		})
	}

	// Step 4: new tree overlaid on the base tree.
	var tree Tree
	err = c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/trees", owner, repo), map[string]any{
		"base_tree": baseTree,
		"tree":      entries,
	}, &tree)
	if err != nil {
		return nil, fmt.Errorf("create tree: %w", err)
	}
	if tree.SHA == "" {
		return nil, fmt.Errorf("tree create returned no sha")
	}

	// Step 5: commit object with the old head as sole parent.
	var newCommit struct {
		SHA    string `json:"sha"`
		Author struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	}
	err = c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/commits", owner, repo), map[string]any{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{baseSHA},
	}, &newCommit)
	if err != nil {
		return nil, fmt.Errorf("create commit: %w", err)
	}

	// Step 6: fast-forward the ref. force=false makes GitHub reject the
	// update when the ref no longer points at our parent.
	if err := c.updateRef(ctx, owner, repo, branch, newCommit.SHA); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}

	return &Commit{
		SHA:       newCommit.SHA,
		TreeSHA:   tree.SHA,
		ParentSHA: baseSHA,
		Message:   message,
		Timestamp: newCommit.Author.Date,
		Files:     paths,
	}, nil
}

// CreateBlob stores raw bytes as an immutable blob object.
func (c *Client) CreateBlob(ctx context.Context, owner, repo string, content []byte) (*Blob, error) {
	var blob Blob
	err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/blobs", owner, repo), map[string]string{
		"content":  base64.StdEncoding.EncodeToString(content),
		"encoding": "base64",
	}, &blob)
	if err != nil {
		return nil, err
	}
	if blob.SHA == "" {
		return nil, fmt.Errorf("blob create returned no sha")
	}
	return &blob, nil
}

// CreateBranch creates a new ref at the current head of fromBranch.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, name, fromBranch string) (*Branch, error) {
	sha, err := c.getRefSHA(ctx, owner, repo, fromBranch)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", fromBranch, err)
	}

	err = c.post(ctx, fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo), map[string]string{
		"ref": "refs/heads/" + name,
		"sha": sha,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create branch %s: %w", name, err)
	}

	return &Branch{Name: name, SHA: sha}, nil
}

// CreatePullRequest opens a PR from head into base.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*PullRequest, error) {
	var pr struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		State  string `json:"state"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		HTMLURL   string    `json:"html_url"`
		CreatedAt time.Time `json:"created_at"`
	}
	err := c.post(ctx, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}, &pr)
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	return &PullRequest{
		Number:     pr.Number,
		Title:      pr.Title,
		Body:       pr.Body,
		State:      pr.State,
		Branch:     pr.Head.Ref,
		BaseBranch: pr.Base.Ref,
		URL:        pr.HTMLURL,
		CreatedAt:  pr.CreatedAt,
	}, nil
}

// MergePullRequest merges a PR using the given method (merge, squash, rebase).
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, method string) error {
	if method == "" {
		method = "squash"
	}
	req, err := c.newRequest(ctx, http.MethodPut,
		fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number),
		map[string]string{"merge_method": method})
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("merge pull request %d failed (%d): %s", number, resp.StatusCode, string(body))
	}
	return nil
}

// getRefSHA reads the commit sha a branch ref points at.
func (c *Client) getRefSHA(ctx context.Context, owner, repo, branch string) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/git/ref/heads/%s", owner, repo, branch), &ref); err != nil {
		return "", err
	}
	if ref.Object.SHA == "" {
		return "", fmt.Errorf("ref heads/%s has no sha", branch)
	}
	return ref.Object.SHA, nil
}

// getCommitTree reads the tree sha of a commit object.
func (c *Client) getCommitTree(ctx context.Context, owner, repo, sha string) (string, error) {
	var commit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/git/commits/%s", owner, repo, sha), &commit); err != nil {
		return "", err
	}
	return commit.Tree.SHA, nil
}

// updateRef fast-forwards a branch ref. GitHub answers 422 when the update is
// not a fast-forward, which maps to ErrConflict.
func (c *Client) updateRef(ctx context.Context, owner, repo, branch, sha string) error {
	req, err := c.newRequest(ctx, http.MethodPatch,
		fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, branch),
		map[string]any{"sha": sha, "force": false})
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity, http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		return ErrConflict
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("update ref heads/%s failed (%d): %s", branch, resp.StatusCode, string(body))
	}
}

// HTTP plumbing.

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusCreated, out)
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GitHub API %s %s failed (%d): %s", req.Method, req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
