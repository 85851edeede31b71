package git

import "time"

// Blob is an immutable content-addressed file object.
type Blob struct {
	SHA string `json:"sha"`
}

// Tree is an immutable snapshot of a directory hierarchy.
type Tree struct {
	SHA string `json:"sha"`
}

// Commit is an immutable commit object.
type Commit struct {
	SHA       string    `json:"sha"`
	TreeSHA   string    `json:"tree_sha"`
	ParentSHA string    `json:"parent_sha"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files,omitempty"`
}

// Branch is a named ref.
type Branch struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// PullRequest is the subset of the provider's PR object codeloom consumes.
type PullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	State      string    `json:"state"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	Merged     bool      `json:"merged"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"created_at"`
}
