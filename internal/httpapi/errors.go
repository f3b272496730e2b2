package httpapi

import "errors"

// Sentinel errors matching spec.md §7's closed error taxonomy. Handlers
// check for these with errors.Is and translate them to the documented
// HTTP status codes; anything else becomes a generic 500.
var (
	// ErrUpstreamUnavailable means a provider probe or /api/tags fetch failed.
	ErrUpstreamUnavailable = errors.New("httpapi: upstream unavailable")
	// ErrModelNotFound means the requested model has no FoundationModel record.
	ErrModelNotFound = errors.New("httpapi: model not found")
	// ErrModelTemplateMissing means a FoundationModel exists but has no
	// reconciled template — /api/tags plus /api/show must run first.
	ErrModelTemplateMissing = errors.New("httpapi: model template missing, run /api/tags and /api/show reconciliation first")
	// ErrProviderNotFound means the requested provider label isn't registered.
	ErrProviderNotFound = errors.New("httpapi: provider not found")
)
