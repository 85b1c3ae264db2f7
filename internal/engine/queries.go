package engine

import (
	"context"

	"venueline/internal/domain"
	"venueline/internal/repo"
)

// GetBooking returns one booking of a tenant.
func (e Engine) GetBooking(ctx context.Context, tenant, id string) (domain.Record, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return domain.Record{}, err
	}
	return st.Repo.GetBooking(ctx, id)
}

// GetBookingByThread returns the booking a thread belongs to.
func (e Engine) GetBookingByThread(ctx context.Context, tenant, thread string) (domain.Record, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return domain.Record{}, err
	}
	return st.Repo.GetBookingByThread(ctx, thread)
}

func (e Engine) ListBookings(ctx context.Context, tenant string, f repo.BookingFilters) ([]domain.Record, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return nil, err
	}
	f.Tenant = st.Tenant
	return st.Repo.ListBookings(ctx, f)
}

func (e Engine) GetTask(ctx context.Context, tenant, id string) (domain.HILTask, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return domain.HILTask{}, err
	}
	task, err := st.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.HILTask{}, err
	}
	if task.Tenant != st.Tenant {
		return domain.HILTask{}, repo.ErrNotFound
	}
	return task, nil
}

// Events lists the newest events of a tenant, optionally below cursor and filtered.
func (e Engine) Events(ctx context.Context, tenant string, limit int, cursor int64, bookingID, evtType string) ([]domain.Event, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return st.Repo.LatestEvents(ctx, limit, cursor, bookingID, evtType)
}

// RecoverLocks removes stale record locks of a tenant and reports how many.
func (e Engine) RecoverLocks(ctx context.Context, tenant string) (int, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return st.Locker.RecoverStaleLocks(ctx)
}
