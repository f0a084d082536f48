package ctxkeys

// TraceIDKey 上下文中的追踪ID键
type TraceIDKey struct{}

// SessionIDKey 上下文中的会话ID键
type SessionIDKey struct{}
