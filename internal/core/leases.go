package core

import (
	"context"
	"math"
	"net/http"

	"pkt.systems/collabd/internal/lease"
	"pkt.systems/collabd/internal/state"
)

func (s *Service) leaseResult(l lease.Lease) *LeaseResult {
	remaining := l.Remaining(s.leases.Now())
	return &LeaseResult{
		Lease:            l,
		ETag:             FormatETag(l.Version),
		ExpiresAt:        l.ExpiresAt(),
		RemainingSeconds: int64(math.Ceil(remaining.Seconds())),
	}
}

// Acquire grants an exclusive lease on a resource.
func (s *Service) Acquire(ctx context.Context, cmd AcquireCommand) (res *LeaseResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordLease(ctx, "acquire", s.clock.Now().Sub(start), err) }()
	if state.IsReserved(cmd.Kind) {
		return nil, Failure{Code: "invalid_kind", Detail: "reserved kinds cannot be leased", HTTPStatus: http.StatusBadRequest}
	}
	l, err := s.leases.Acquire(ctx, lease.Resource{Kind: cmd.Kind, ID: cmd.ID}, cmd.Holder, cmd.TTLSeconds)
	if err != nil {
		return nil, classify(err)
	}
	return s.leaseResult(l), nil
}

// Renew extends a lease held by cmd.Holder.
func (s *Service) Renew(ctx context.Context, cmd LeaseCommand) (res *LeaseResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordLease(ctx, "renew", s.clock.Now().Sub(start), err) }()
	l, err := s.leases.Renew(ctx, cmd.LockID, cmd.Holder)
	if err != nil {
		return nil, classify(err)
	}
	return s.leaseResult(l), nil
}

// Release ends a lease held by cmd.Holder.
func (s *Service) Release(ctx context.Context, cmd LeaseCommand) (res *LeaseResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordLease(ctx, "release", s.clock.Now().Sub(start), err) }()
	l, err := s.leases.Release(ctx, cmd.LockID, cmd.Holder)
	if err != nil {
		return nil, classify(err)
	}
	return s.leaseResult(l), nil
}

// DescribeLease returns the record of a lease that is active or was
// reclaimed.
func (s *Service) DescribeLease(_ context.Context, lockID string) (*LeaseResult, error) {
	l, err := s.leases.Get(lockID)
	if err != nil {
		return nil, classify(err)
	}
	return s.leaseResult(l), nil
}

// ListLeases returns the active leases with their remaining lifetime.
func (s *Service) ListLeases(_ context.Context) []*LeaseResult {
	leases := s.leases.List()
	out := make([]*LeaseResult, 0, len(leases))
	for _, l := range leases {
		out = append(out, s.leaseResult(l))
	}
	return out
}

// ReclaimExpired runs one reclaim sweep outside the background schedule.
func (s *Service) ReclaimExpired(ctx context.Context) ([]string, error) {
	start := s.clock.Now()
	ids, err := s.leases.ReclaimSweep(ctx)
	s.metrics.recordSweep(ctx, s.clock.Now().Sub(start), len(ids), err)
	return ids, err
}
