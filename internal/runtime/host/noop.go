package host

import "context"

// NoopAdapter is used when no code host is configured. PR creation fails
// with ErrNoHost; access checks pass so preflight does not block local-only
// projects.
type NoopAdapter struct{}

func (NoopAdapter) CreatePR(context.Context, CreatePRRequest) (*PullRequest, error) {
	return nil, ErrNoHost
}

func (NoopAdapter) CheckAccess(context.Context, string) (bool, error) {
	return true, nil
}
