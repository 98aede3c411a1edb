package service

import (
	"context"
	"strconv"

	"github.com/turtacn/sentinel/pkg/constants"
)

// WithClientIP stores the caller address on ctx.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyClientIP, ip)
}

// WithTenantID stores the caller tenant on ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyTenantID, tenantID)
}

func clientIP(ctx context.Context) string {
	v, _ := ctx.Value(constants.ContextKeyClientIP).(string)
	return v
}

func tenantID(ctx context.Context) string {
	v, _ := ctx.Value(constants.ContextKeyTenantID).(string)
	return v
}

func itoa(n int) string { return strconv.Itoa(n) }

// WithSubjectID stores the authenticated caller on ctx.
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, constants.ContextKeySubjectID, subjectID)
}

// SubjectIDFrom returns the authenticated caller stored on ctx.
func SubjectIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(constants.ContextKeySubjectID).(string)
	return v, ok && v != ""
}
