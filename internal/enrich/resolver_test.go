package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/feed"
	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// fakeFetcher answers from a table keyed by SHA and records every call.
type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, ref CommitRef, attempt int) (*model.CommitDetail, error)
}

func (f *fakeFetcher) FetchCommit(ctx context.Context, token string, ref CommitRef) (*model.CommitDetail, error) {
	f.mu.Lock()
	attempt := 0
	for _, c := range f.calls {
		if c == ref.SHA {
			attempt++
		}
	}
	f.calls = append(f.calls, ref.SHA)
	f.mu.Unlock()
	if f.fn == nil {
		return detail(ref.SHA), nil
	}
	return f.fn(ctx, ref, attempt)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func detail(sha string) *model.CommitDetail {
	return &model.CommitDetail{
		SHA:          sha,
		Message:      "commit " + sha,
		Additions:    3,
		Deletions:    1,
		ChangedFiles: 1,
		Files: []model.CommitFile{{
			FileChange: model.FileChange{Path: "main.go", Additions: 3, Deletions: 1},
			Patch:      "@@ -1 +1,3 @@\n+a\n+b\n+c\n-d",
		}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pushEvent(t *testing.T, shas ...string) *model.RawEvent {
	t.Helper()
	commits := make([]map[string]any, len(shas))
	for i, sha := range shas {
		commits[i] = map[string]any{
			"sha":     sha,
			"message": "msg " + sha,
			"author":  map[string]string{"name": "Ada", "email": "ada@example.com"},
		}
	}
	return rawEvent(t, model.EventTypePush, "octo/widgets", map[string]any{
		"ref":     "refs/heads/main",
		"commits": commits,
	})
}

func pullRequestEvent(t *testing.T, action string, merged bool, sha string) *model.RawEvent {
	t.Helper()
	return rawEvent(t, model.EventTypePullRequest, "octo/widgets", map[string]any{
		"action": action,
		"number": 7,
		"pull_request": map[string]any{
			"state":            "closed",
			"merged":           merged,
			"merge_commit_sha": sha,
			"title":            "Add widgets",
		},
	})
}

func rawEvent(t *testing.T, typ, repo string, payload any) *model.RawEvent {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":         "101",
		"type":       typ,
		"actor":      map[string]string{"login": "ada"},
		"repo":       map[string]string{"name": repo},
		"payload":    payload,
		"created_at": "2024-03-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &model.RawEvent{ID: 9, SubjectID: "u1", UpstreamID: 101, Type: typ, RepoName: repo, Payload: raw, Status: model.StatusPending}
}

func newTestResolver(rest, graphql Fetcher, opts Options) *Resolver {
	opts.Logger = discardLogger()
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return NewResolver(rest, graphql, opts)
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		ev         func(t *testing.T) *model.RawEvent
		maxCommits int
		wantShape  Shape
		wantSHAs   []string
	}{
		{"push", func(t *testing.T) *model.RawEvent { return pushEvent(t, "a1", "b2", "c3") }, 0, ShapePush, []string{"a1", "b2", "c3"}},
		{"push capped", func(t *testing.T) *model.RawEvent { return pushEvent(t, "a1", "b2", "c3") }, 2, ShapePush, []string{"a1", "b2"}},
		{"push without commits", func(t *testing.T) *model.RawEvent { return pushEvent(t) }, 0, ShapeNone, nil},
		{"merged pull request", func(t *testing.T) *model.RawEvent { return pullRequestEvent(t, "closed", true, "m1") }, 0, ShapePullRequest, []string{"m1"}},
		{"closed unmerged", func(t *testing.T) *model.RawEvent { return pullRequestEvent(t, "closed", false, "m1") }, 0, ShapeNone, nil},
		{"opened", func(t *testing.T) *model.RawEvent { return pullRequestEvent(t, "opened", false, "") }, 0, ShapeNone, nil},
		{"merged without sha", func(t *testing.T) *model.RawEvent { return pullRequestEvent(t, "closed", true, "") }, 0, ShapeNone, nil},
		{"watch", func(t *testing.T) *model.RawEvent {
			return rawEvent(t, "WatchEvent", "octo/widgets", map[string]string{"action": "started"})
		}, 0, ShapeNone, nil},
		{"bad repo name", func(t *testing.T) *model.RawEvent {
			return rawEvent(t, model.EventTypePush, "widgets", map[string]any{"commits": []map[string]string{{"sha": "a1"}}})
		}, 0, ShapeNone, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := tt.ev(t).Item()
			if err != nil {
				t.Fatalf("Item: %v", err)
			}
			shape, refs, err := Extract(item, tt.maxCommits)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if shape != tt.wantShape {
				t.Errorf("shape = %v, want %v", shape, tt.wantShape)
			}
			var shas []string
			for _, r := range refs {
				shas = append(shas, r.SHA)
				if r.Owner != "octo" || r.Repo != "widgets" {
					t.Errorf("ref repo = %s/%s", r.Owner, r.Repo)
				}
			}
			if strings.Join(shas, ",") != strings.Join(tt.wantSHAs, ",") {
				t.Errorf("shas = %v, want %v", shas, tt.wantSHAs)
			}
		})
	}
}

func TestExtract_BadPayload(t *testing.T) {
	item := &model.FeedItem{ID: "1", Type: model.EventTypePush, Repo: model.Repo{Name: "octo/widgets"}, Payload: json.RawMessage(`"nope"`)}
	if _, _, err := Extract(item, 0); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"rest", StrategyREST, false},
		{"GraphQL", StrategyGraphQL, false},
		{" auto ", StrategyAuto, false},
		{"", StrategyAuto, false},
		{"soap", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnrich_AllSucceed(t *testing.T) {
	rest := &fakeFetcher{}
	r := newTestResolver(rest, &fakeFetcher{}, Options{})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1", "b2"))
	if !res.Eligible || res.Shape != ShapePush {
		t.Fatalf("result = %+v", res)
	}
	if res.Status() != model.StatusEnriched {
		t.Errorf("status = %s", res.Status())
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v", res.Err())
	}
	if len(res.Records) != 2 || res.Records[0].SHA != "a1" || res.Records[1].SHA != "b2" {
		t.Fatalf("records = %+v", res.Records)
	}
	if res.Records[0].EventID != 9 {
		t.Errorf("event id = %d", res.Records[0].EventID)
	}
}

func TestEnrich_OneOfThreeFails(t *testing.T) {
	boom := fmt.Errorf("fetch commit b2: %w", feed.ErrUpstream)
	rest := &fakeFetcher{fn: func(ctx context.Context, ref CommitRef, attempt int) (*model.CommitDetail, error) {
		if ref.SHA == "b2" {
			return nil, boom
		}
		return detail(ref.SHA), nil
	}}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST, Retries: 1})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1", "b2", "c3"))
	if res.Status() != model.StatusFailedPartial {
		t.Errorf("status = %s, want failed_partial", res.Status())
	}
	if len(res.Records) != 2 || res.Records[0].SHA != "a1" || res.Records[1].SHA != "c3" {
		t.Errorf("records = %+v", res.Records)
	}
	// a1, b2 twice, c3
	if rest.count() != 4 {
		t.Errorf("calls = %v", rest.calls)
	}

	err := res.Err()
	if !errors.Is(err, ErrEnrichmentPartial) {
		t.Fatalf("Err() = %v, want ErrEnrichmentPartial", err)
	}
	if !errors.Is(err, feed.ErrUpstream) {
		t.Errorf("Err() should unwrap to the sub-item error")
	}
	var pe *PartialError
	if !errors.As(err, &pe) || len(pe.Failures) != 1 || pe.Failures[0].SHA != "b2" || pe.Attempted != 3 {
		t.Errorf("PartialError = %+v", pe)
	}
	if !strings.Contains(err.Error(), "1 of 3") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestEnrich_TimeoutOneOfTwo(t *testing.T) {
	rest := &fakeFetcher{fn: func(ctx context.Context, ref CommitRef, attempt int) (*model.CommitDetail, error) {
		if ref.SHA == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return detail(ref.SHA), nil
	}}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST, CallTimeout: 20 * time.Millisecond})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "slow", "fast"))
	if res.Status() != model.StatusFailedPartial {
		t.Fatalf("status = %s, want failed_partial", res.Status())
	}
	if len(res.Records) != 1 || res.Records[0].SHA != "fast" {
		t.Errorf("records = %+v", res.Records)
	}
	if !errors.Is(res.Failures[0].Err, context.DeadlineExceeded) {
		t.Errorf("failure = %v", res.Failures[0].Err)
	}
}

func TestEnrich_AllFail(t *testing.T) {
	rest := &fakeFetcher{fn: func(ctx context.Context, ref CommitRef, attempt int) (*model.CommitDetail, error) {
		return nil, feed.ErrUpstream
	}}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1", "b2"))
	if res.Status() != model.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status())
	}
	if len(res.Records) != 0 || len(res.Failures) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestEnrich_NotEligible(t *testing.T) {
	rest := &fakeFetcher{}
	r := newTestResolver(rest, rest, Options{})

	res := r.Enrich(context.Background(), "tok", pullRequestEvent(t, "opened", false, ""))
	if res.Eligible {
		t.Error("opened pull request should not be eligible")
	}
	if res.Status() != model.StatusPending {
		t.Errorf("status = %s, want pending", res.Status())
	}
	if rest.count() != 0 {
		t.Errorf("unexpected fetches: %v", rest.calls)
	}
}

func TestEnrich_RetriesTransientFailure(t *testing.T) {
	rest := &fakeFetcher{fn: func(ctx context.Context, ref CommitRef, attempt int) (*model.CommitDetail, error) {
		if attempt == 0 {
			return nil, feed.ErrUpstream
		}
		return detail(ref.SHA), nil
	}}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST, Retries: 2})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1"))
	if res.Status() != model.StatusEnriched {
		t.Errorf("status = %s", res.Status())
	}
	if rest.count() != 2 {
		t.Errorf("calls = %d, want 2", rest.count())
	}
}

func TestEnrich_NoRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"credential", fmt.Errorf("fetch commit: %w", feed.ErrCredentialInvalid)},
		{"rate limited", fmt.Errorf("fetch commit: %w: %w", feed.ErrUpstream, &feed.APIError{StatusCode: 403, RateLimitReset: time.Unix(1700000000, 0)})},
		{"not found", fmt.Errorf("fetch commit: %w: %w", feed.ErrUpstream, &feed.APIError{StatusCode: 404})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest := &fakeFetcher{fn: func(ctx context.Context, ref CommitRef, attempt int) (*model.CommitDetail, error) {
				return nil, tt.err
			}}
			r := newTestResolver(rest, nil, Options{Strategy: StrategyREST, Retries: 3})
			res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1"))
			if rest.count() != 1 {
				t.Errorf("calls = %d, want 1", rest.count())
			}
			if res.Status() != model.StatusFailed {
				t.Errorf("status = %s", res.Status())
			}
		})
	}
}

func TestEnrich_StrategySelection(t *testing.T) {
	tests := []struct {
		name        string
		strategy    Strategy
		ev          func(t *testing.T) *model.RawEvent
		wantRest    int
		wantGraphQL int
	}{
		{"auto push", StrategyAuto, func(t *testing.T) *model.RawEvent { return pushEvent(t, "a1") }, 1, 0},
		{"auto pull request", StrategyAuto, func(t *testing.T) *model.RawEvent { return pullRequestEvent(t, "closed", true, "m1") }, 0, 1},
		{"rest pull request", StrategyREST, func(t *testing.T) *model.RawEvent { return pullRequestEvent(t, "closed", true, "m1") }, 1, 0},
		{"graphql push", StrategyGraphQL, func(t *testing.T) *model.RawEvent { return pushEvent(t, "a1") }, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rest, graphql := &fakeFetcher{}, &fakeFetcher{}
			r := newTestResolver(rest, graphql, Options{Strategy: tt.strategy})
			res := r.Enrich(context.Background(), "tok", tt.ev(t))
			if res.Status() != model.StatusEnriched {
				t.Errorf("status = %s", res.Status())
			}
			if rest.count() != tt.wantRest || graphql.count() != tt.wantGraphQL {
				t.Errorf("rest=%d graphql=%d, want %d/%d", rest.count(), graphql.count(), tt.wantRest, tt.wantGraphQL)
			}
		})
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string]*model.CommitDetail
}

func (c *memCache) Get(ctx context.Context, ref CommitRef) (*model.CommitDetail, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[CommitKey(ref)]
	return d, ok, nil
}

func (c *memCache) Set(ctx context.Context, ref CommitRef, d *model.CommitDetail) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string]*model.CommitDetail{}
	}
	c.data[CommitKey(ref)] = d
	return nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, CommitRef) (*model.CommitDetail, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenCache) Set(context.Context, CommitRef, *model.CommitDetail) error {
	return errors.New("connection refused")
}

func TestEnrich_Cache(t *testing.T) {
	rest := &fakeFetcher{}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST, Cache: &memCache{}})

	first := r.Enrich(context.Background(), "tok", pushEvent(t, "a1", "b2"))
	second := r.Enrich(context.Background(), "tok", pushEvent(t, "a1", "b2"))
	if rest.count() != 2 {
		t.Errorf("fetches = %d, want 2 (second event served from cache)", rest.count())
	}
	if second.Status() != model.StatusEnriched || len(second.Records) != len(first.Records) {
		t.Errorf("cached result = %+v", second)
	}
}

func TestEnrich_CacheErrorsIgnored(t *testing.T) {
	rest := &fakeFetcher{}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST, Cache: brokenCache{}})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1"))
	if res.Status() != model.StatusEnriched {
		t.Errorf("status = %s", res.Status())
	}
}

func TestEnrich_DiffBounded(t *testing.T) {
	r := newTestResolver(&fakeFetcher{}, nil, Options{Strategy: StrategyREST, StoreDiffBytes: 10})

	res := r.Enrich(context.Background(), "tok", pushEvent(t, "a1"))
	rec := res.Records[0]
	if !rec.DiffTruncated {
		t.Error("expected truncated diff")
	}
	if !strings.HasPrefix(rec.DiffFragment, "--- main.g") || !strings.Contains(rec.DiffFragment, "[truncated") {
		t.Errorf("diff = %q", rec.DiffFragment)
	}
}

func TestEnrich_CanceledContext(t *testing.T) {
	rest := &fakeFetcher{}
	r := newTestResolver(rest, nil, Options{Strategy: StrategyREST})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Enrich(ctx, "tok", pushEvent(t, "a1", "b2"))
	if res.Status() != model.StatusFailed || rest.count() != 0 {
		t.Errorf("status = %s, calls = %d", res.Status(), rest.count())
	}
}

func TestCommitKey(t *testing.T) {
	a := CommitKey(CommitRef{Owner: "octo", Repo: "widgets", SHA: "abc"})
	b := CommitKey(CommitRef{Owner: "octo", Repo: "gadgets", SHA: "abc"})
	if a == b {
		t.Error("keys must differ by repository")
	}
	if a != "enrich:commit:octo/widgets@abc" {
		t.Errorf("key = %q", a)
	}
}
