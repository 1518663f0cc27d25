package logging

import "context"

// Context keys for request-scoped log attributes.
const (
	JobIDKey   = "log_job_id"
	TeamIDKey  = "log_team_id"
	CrawlIDKey = "log_crawl_id"
)

type contextKey string

// WithJobID returns a context carrying the job id for log enrichment.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, contextKey(JobIDKey), jobID)
}

// WithTeamID returns a context carrying the team id for log enrichment.
func WithTeamID(ctx context.Context, teamID string) context.Context {
	return context.WithValue(ctx, contextKey(TeamIDKey), teamID)
}

// WithCrawlID returns a context carrying the crawl id for log enrichment.
func WithCrawlID(ctx context.Context, crawlID string) context.Context {
	return context.WithValue(ctx, contextKey(CrawlIDKey), crawlID)
}

// JobID extracts the job id from context, or "".
func JobID(ctx context.Context) string {
	v, _ := ctx.Value(contextKey(JobIDKey)).(string)
	return v
}
