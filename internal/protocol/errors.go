package protocol

// Error codes carried by ErrorEvent. Authentication failures terminate the
// connection; every other code rejects the single action and keeps the
// connection open.
const (
	CodeAuthFailed       = "auth_failed"
	CodeForbidden        = "forbidden"
	CodeValidationFailed = "validation_failed"
	CodeRateLimited      = "rate_limited"
	CodeNotFound         = "not_found"
	CodeUpstreamDown     = "upstream_unavailable"
	CodeUpstreamProtocol = "upstream_protocol_error"
	CodePersistence      = "persistence_failure"
	CodeParseError       = "parse_error"
	CodeUnsupportedType  = "unsupported_type"
	CodeInternal         = "internal_error"
)
