package enrich

import (
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// Shape classifies an event by the sub-items it carries.
type Shape int

const (
	ShapeNone Shape = iota
	ShapePush
	ShapePullRequest
)

func (s Shape) String() string {
	switch s {
	case ShapePush:
		return "push"
	case ShapePullRequest:
		return "pull_request"
	}
	return "none"
}

// CommitRef identifies one commit to enrich, with what the event payload
// already says about it.
type CommitRef struct {
	Owner       string
	Repo        string
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
}

// PushPayload is the part of a PushEvent payload the poller reads.
type PushPayload struct {
	Ref     string `json:"ref"`
	Head    string `json:"head"`
	Commits []struct {
		SHA     string `json:"sha"`
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"commits"`
}

// PullRequestPayload is the part of a PullRequestEvent payload the poller reads.
type PullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		State          string `json:"state"`
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
		Title          string `json:"title"`
		Base           struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// Extract returns the shape of item and the commits to enrich, keeping
// payload order and at most maxCommits of them (0 means no cap).
func Extract(item *model.FeedItem, maxCommits int) (Shape, []CommitRef, error) {
	owner, repo, ok := item.RepoOwnerName()
	if !ok {
		return ShapeNone, nil, nil
	}

	switch item.Type {
	case model.EventTypePush:
		var p PushPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return ShapeNone, nil, fmt.Errorf("decode push payload of event %s: %w", item.ID, err)
		}
		var refs []CommitRef
		for _, c := range p.Commits {
			if c.SHA == "" {
				continue
			}
			if maxCommits > 0 && len(refs) == maxCommits {
				break
			}
			refs = append(refs, CommitRef{
				Owner:       owner,
				Repo:        repo,
				SHA:         c.SHA,
				Message:     c.Message,
				AuthorName:  c.Author.Name,
				AuthorEmail: c.Author.Email,
			})
		}
		if len(refs) == 0 {
			return ShapeNone, nil, nil
		}
		return ShapePush, refs, nil

	case model.EventTypePullRequest:
		var p PullRequestPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return ShapeNone, nil, fmt.Errorf("decode pull request payload of event %s: %w", item.ID, err)
		}
		pr := p.PullRequest
		if p.Action != "closed" || !pr.Merged || pr.MergeCommitSHA == "" {
			return ShapeNone, nil, nil
		}
		return ShapePullRequest, []CommitRef{{
			Owner:   owner,
			Repo:    repo,
			SHA:     pr.MergeCommitSHA,
			Message: pr.Title,
		}}, nil
	}
	return ShapeNone, nil, nil
}
