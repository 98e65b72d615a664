package core

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"

	"pkt.systems/collabd/internal/state"
)

// MaxListLimit caps a single listing page.
const MaxListLimit = 1000

func checkKind(kind string) error {
	if err := state.ValidateName("kind", kind); err != nil {
		return err
	}
	if state.IsReserved(kind) {
		return Failure{Code: "invalid_kind", Detail: "kinds starting with " + state.ReservedPrefix + " are reserved", HTTPStatus: http.StatusBadRequest}
	}
	return nil
}

func parseIfMatch(raw string) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, Failure{Code: "missing_if_match", Detail: "If-Match is required for conditional writes", HTTPStatus: http.StatusPreconditionRequired}
	}
	version, err := ParseETag(raw)
	if err != nil {
		return 0, Failure{Code: "invalid_etag", Detail: err.Error(), HTTPStatus: http.StatusBadRequest}
	}
	return version, nil
}

func resourceResult(res state.Resource) *ResourceResult {
	return &ResourceResult{
		Kind:      res.Kind,
		ID:        res.ID,
		Version:   res.Version,
		ETag:      FormatETag(res.Version),
		Payload:   res.Payload,
		Deleted:   res.Deleted,
		UpdatedAt: res.UpdatedAt,
	}
}

// GetResource returns the current payload and version of a resource.
func (s *Service) GetResource(ctx context.Context, kind, id string) (res *ResourceResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordState(ctx, "get", s.clock.Now().Sub(start), err) }()
	if err := checkKind(kind); err != nil {
		return nil, classify(err)
	}
	rec, err := s.state.Get(kind, id)
	if err != nil {
		return nil, classify(err)
	}
	return resourceResult(rec), nil
}

// CreateResource stores a new resource at version 1.
func (s *Service) CreateResource(ctx context.Context, cmd CreateCommand) (res *ResourceResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordState(ctx, "create", s.clock.Now().Sub(start), err) }()
	if err := checkKind(cmd.Kind); err != nil {
		return nil, classify(err)
	}
	id := strings.TrimSpace(cmd.ID)
	generated := id == ""
	if generated {
		id = xid.New().String()
	}
	rec, err := s.state.Create(ctx, cmd.Kind, id, cmd.Payload)
	if err != nil {
		return nil, classify(err)
	}
	s.loggerFor(ctx).Info("state.create.success", "kind", cmd.Kind, "id", id, "version", rec.Version, "generated_id", generated)
	return resourceResult(rec), nil
}

// UpdateResource replaces the payload when IfMatch names the current
// version.
func (s *Service) UpdateResource(ctx context.Context, cmd UpdateCommand) (res *ResourceResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordState(ctx, "update", s.clock.Now().Sub(start), err) }()
	if err := checkKind(cmd.Kind); err != nil {
		return nil, classify(err)
	}
	expected, err := parseIfMatch(cmd.IfMatch)
	if err != nil {
		return nil, err
	}
	rec, err := s.state.Update(ctx, cmd.Kind, cmd.ID, expected, cmd.Payload)
	if err != nil {
		s.loggerFor(ctx).Debug("state.update.rejected", "kind", cmd.Kind, "id", cmd.ID, "expected", expected, "error", err)
		return nil, classify(err)
	}
	s.loggerFor(ctx).Info("state.update.success", "kind", cmd.Kind, "id", cmd.ID, "version", rec.Version)
	return resourceResult(rec), nil
}

// DeleteResource tombstones a resource when IfMatch names the current
// version.
func (s *Service) DeleteResource(ctx context.Context, cmd DeleteCommand) (res *ResourceResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordState(ctx, "delete", s.clock.Now().Sub(start), err) }()
	if err := checkKind(cmd.Kind); err != nil {
		return nil, classify(err)
	}
	expected, err := parseIfMatch(cmd.IfMatch)
	if err != nil {
		return nil, err
	}
	rec, err := s.state.Delete(ctx, cmd.Kind, cmd.ID, expected)
	if err != nil {
		return nil, classify(err)
	}
	s.loggerFor(ctx).Info("state.delete.success", "kind", cmd.Kind, "id", cmd.ID, "version", rec.Version)
	return resourceResult(rec), nil
}

// ListResources returns a page of live resources sorted by id.
func (s *Service) ListResources(ctx context.Context, cmd ListCommand) (res *ListResult, err error) {
	start := s.clock.Now()
	defer func() { s.metrics.recordState(ctx, "list", s.clock.Now().Sub(start), err) }()
	if err := checkKind(cmd.Kind); err != nil {
		return nil, classify(err)
	}
	limit := cmd.Limit
	if limit < 0 {
		return nil, Failure{Code: "invalid_limit", Detail: "limit must be >= 0", HTTPStatus: http.StatusBadRequest}
	}
	if limit == 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	items, next, err := s.state.ListPage(cmd.Kind, cmd.After, limit)
	if err != nil {
		return nil, classify(err)
	}
	out := &ListResult{Items: make([]ListItem, 0, len(items)), Next: next}
	for _, item := range items {
		out.Items = append(out.Items, ListItem{ID: item.ID, Version: item.Version, ETag: FormatETag(item.Version)})
	}
	return out, nil
}
