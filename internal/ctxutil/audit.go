package ctxutil

// AuditMeta carries the metadata needed to build an AdminAuditEntry.
// It lives in ctxutil so both server and mcp packages can populate it
// without circular imports.
type AuditMeta struct {
	RequestID  string
	ActorKeyID string
	HTTPMethod string
	Endpoint   string
}
