package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// Fetcher loads the detail of one commit. Implementations make a single
// attempt; retries are the resolver's concern.
type Fetcher interface {
	FetchCommit(ctx context.Context, token string, ref CommitRef) (*model.CommitDetail, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, token string, ref CommitRef) (*model.CommitDetail, error)

func (f FetcherFunc) FetchCommit(ctx context.Context, token string, ref CommitRef) (*model.CommitDetail, error) {
	return f(ctx, token, ref)
}

// restAPI and graphqlAPI are the parts of feed.Client each strategy uses.
type restAPI interface {
	FetchCommit(ctx context.Context, token, owner, repo, sha string) (*model.CommitDetail, error)
}

type graphqlAPI interface {
	QueryCommit(ctx context.Context, token, owner, repo, sha string) (*model.CommitDetail, error)
}

// RESTFetcher fetches commits from the per-commit REST endpoint.
func RESTFetcher(api restAPI) Fetcher {
	return FetcherFunc(func(ctx context.Context, token string, ref CommitRef) (*model.CommitDetail, error) {
		return api.FetchCommit(ctx, token, ref.Owner, ref.Repo, ref.SHA)
	})
}

// GraphQLFetcher fetches commits through the GraphQL commit query.
func GraphQLFetcher(api graphqlAPI) Fetcher {
	return FetcherFunc(func(ctx context.Context, token string, ref CommitRef) (*model.CommitDetail, error) {
		return api.QueryCommit(ctx, token, ref.Owner, ref.Repo, ref.SHA)
	})
}

// Strategy selects which Fetcher serves an event.
type Strategy string

const (
	StrategyREST    Strategy = "rest"
	StrategyGraphQL Strategy = "graphql"
	// StrategyAuto uses REST for push events and GraphQL for merged pull requests.
	StrategyAuto Strategy = "auto"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyREST, StrategyGraphQL, StrategyAuto:
		return st, nil
	case "":
		return StrategyAuto, nil
	}
	return "", fmt.Errorf("unknown enrichment strategy %q", s)
}

// pick returns the fetcher for shape under strategy s.
func (s Strategy) pick(shape Shape, rest, graphql Fetcher) Fetcher {
	switch s {
	case StrategyREST:
		return rest
	case StrategyGraphQL:
		return graphql
	}
	if shape == ShapePullRequest {
		return graphql
	}
	return rest
}
