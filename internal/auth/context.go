package auth

import "context"

type subjectKey struct{}

// WithSubject 将通过认证的调用方写入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 读取调用方，未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// SubjectName 返回调用方名称，未认证时返回空串。
func SubjectName(ctx context.Context) string {
	if s := SubjectFromContext(ctx); s != nil {
		return s.Name
	}
	return ""
}
