// Package api exposes the ToolRelay REST surface: the tool catalogue,
// synchronous query execution, the query history and asynchronous query
// tasks. Routes under /api/v1 are guarded by the bearer-token middleware from
// internal/auth; /healthz and /metrics stay public.
package api
