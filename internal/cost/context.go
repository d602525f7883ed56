package cost

import "context"

type jobIDKey struct{}

// WithJob attributes all spend recorded under ctx to the given job.
func WithJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobID returns the job attribution set by WithJob, or "".
func JobID(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return ""
}
