package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// commitDetailsQuery asks for the statistics and per-file patches of one commit.
const commitDetailsQuery = `query($owner: String!, $name: String!, $oid: GitObjectID!) {
  repository(owner: $owner, name: $name) {
    object(oid: $oid) {
      ... on Commit {
        oid
        message
        additions
        deletions
        changedFiles
        author { name email }
        files(first: 100) { nodes { path additions deletions patch } }
      }
    }
  }
}`

type restCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"commit"`
	Stats struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats"`
	Files []struct {
		Filename  string `json:"filename"`
		Additions int    `json:"additions"`
		Deletions int    `json:"deletions"`
		Patch     string `json:"patch"`
	} `json:"files"`
}

// FetchCommit loads one commit from the REST detail endpoint.
func (c *Client) FetchCommit(ctx context.Context, token, owner, repo, sha string) (*model.CommitDetail, error) {
	op := "fetch commit " + shortSHA(sha)
	u := fmt.Sprintf("%s/repos/%s/%s/commits/%s", c.apiURL, url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(sha))
	resp, err := c.do(ctx, request{method: http.MethodGet, url: u, token: token})
	if err != nil {
		return nil, upstream(op, err)
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, credentialInvalid(op, apiError(resp))
	default:
		return nil, upstream(op, apiError(resp))
	}

	var rc restCommit
	if err := json.Unmarshal(resp.body, &rc); err != nil {
		return nil, upstream(op, fmt.Errorf("decoding response: %w", err))
	}
	d := &model.CommitDetail{
		SHA:          rc.SHA,
		Message:      rc.Commit.Message,
		AuthorName:   rc.Commit.Author.Name,
		AuthorEmail:  rc.Commit.Author.Email,
		Additions:    rc.Stats.Additions,
		Deletions:    rc.Stats.Deletions,
		ChangedFiles: len(rc.Files),
	}
	if d.SHA == "" {
		d.SHA = sha
	}
	for _, f := range rc.Files {
		d.Files = append(d.Files, model.CommitFile{
			FileChange: model.FileChange{Path: f.Filename, Additions: f.Additions, Deletions: f.Deletions},
			Patch:      f.Patch,
		})
	}
	return d, nil
}

type graphqlCommitResponse struct {
	Data struct {
		Repository *struct {
			Object *struct {
				OID          string `json:"oid"`
				Message      string `json:"message"`
				Additions    int    `json:"additions"`
				Deletions    int    `json:"deletions"`
				ChangedFiles int    `json:"changedFiles"`
				Author       struct {
					Name  string `json:"name"`
					Email string `json:"email"`
				} `json:"author"`
				Files struct {
					Nodes []struct {
						Path      string `json:"path"`
						Additions int    `json:"additions"`
						Deletions int    `json:"deletions"`
						Patch     string `json:"patch"`
					} `json:"nodes"`
				} `json:"files"`
			} `json:"object"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// QueryCommit loads one commit through the GraphQL endpoint.
func (c *Client) QueryCommit(ctx context.Context, token, owner, repo, sha string) (*model.CommitDetail, error) {
	op := "query commit " + shortSHA(sha)
	body := map[string]any{
		"query": commitDetailsQuery,
		"variables": map[string]string{
			"owner": owner,
			"name":  repo,
			"oid":   sha,
		},
	}
	resp, err := c.do(ctx, request{method: http.MethodPost, url: c.graphqlURL, token: token, body: body, accept: "application/json"})
	if err != nil {
		return nil, upstream(op, err)
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, credentialInvalid(op, apiError(resp))
	default:
		return nil, upstream(op, apiError(resp))
	}

	var gr graphqlCommitResponse
	if err := json.Unmarshal(resp.body, &gr); err != nil {
		return nil, upstream(op, fmt.Errorf("decoding response: %w", err))
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return nil, upstream(op, errors.New("graphql: "+strings.Join(msgs, "; ")))
	}
	if gr.Data.Repository == nil || gr.Data.Repository.Object == nil {
		return nil, upstream(op, fmt.Errorf("commit not found in %s/%s", owner, repo))
	}

	obj := gr.Data.Repository.Object
	d := &model.CommitDetail{
		SHA:          obj.OID,
		Message:      obj.Message,
		AuthorName:   obj.Author.Name,
		AuthorEmail:  obj.Author.Email,
		Additions:    obj.Additions,
		Deletions:    obj.Deletions,
		ChangedFiles: obj.ChangedFiles,
	}
	if d.SHA == "" {
		d.SHA = sha
	}
	for _, f := range obj.Files.Nodes {
		d.Files = append(d.Files, model.CommitFile{
			FileChange: model.FileChange{Path: f.Path, Additions: f.Additions, Deletions: f.Deletions},
			Patch:      f.Patch,
		})
	}
	return d, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
