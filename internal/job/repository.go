package job

import "context"

type Filter struct {
	Types    []Type
	Statuses []Status
	Group    string
	Limit    int
}

type Repository interface {
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns matching records oldest first.
	List(ctx context.Context, f Filter) ([]Record, error)
	FindActive(ctx context.Context, t Type, group string) (*Record, error)
	// RecoverStale settles records left mid-flight by an unclean shutdown:
	// running jobs become Reconcile and pausing become Paused. Canceling
	// records are left for the manager to discard.
	RecoverStale(ctx context.Context) (int64, error)
}
