package logging

import (
	"context"

	"go.uber.org/zap"
)

type tenantCtxKey struct{}
type bookingCtxKey struct{}
type threadCtxKey struct{}
type turnCtxKey struct{}

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

func WithBooking(ctx context.Context, bookingID string) context.Context {
	return context.WithValue(ctx, bookingCtxKey{}, bookingID)
}

func WithThread(ctx context.Context, threadKey string) context.Context {
	return context.WithValue(ctx, threadCtxKey{}, threadKey)
}

func WithTurn(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, turnID)
}

func TenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(tenantCtxKey{}).(string)
	return v
}

func BookingFromContext(ctx context.Context) string {
	v, _ := ctx.Value(bookingCtxKey{}).(string)
	return v
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	if v := TenantFromContext(ctx); v != "" {
		fields = append(fields, zap.String("tenant", v))
	}
	if v := BookingFromContext(ctx); v != "" {
		fields = append(fields, zap.String("booking.id", v))
	}
	if v, _ := ctx.Value(threadCtxKey{}).(string); v != "" {
		fields = append(fields, zap.String("thread.key", v))
	}
	if v, _ := ctx.Value(turnCtxKey{}).(string); v != "" {
		fields = append(fields, zap.String("turn.id", v))
	}
	return fields
}
