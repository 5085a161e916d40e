package dispute

import "context"

// Reader is the read side used by the HTTP API. Opening and arbitrating go
// through the escrow state machine.
type Reader interface {
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, projectID string) ([]Record, error)
}

type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, projectID string) ([]Record, error) {
	return s.repo.List(ctx, projectID)
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}
