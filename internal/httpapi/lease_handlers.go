package httpapi

import (
	"net/http"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/internal/core"
)

// handleAcquire godoc
// @Summary      Acquire an exclusive lease
// @Tags         leases
// @Accept       json
// @Produce      json
// @Param        request  body      api.AcquireRequest  true  "Lease request"
// @Success      200      {object}  api.LeaseResponse
// @Failure      409      {object}  api.ErrorResponse
// @Router       /leases [post]
func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	var req api.AcquireRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Acquire(r.Context(), core.AcquireCommand{
		Kind:       req.Resource.Kind,
		ID:         req.Resource.ID,
		Holder:     req.Holder,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPILease(res), map[string]string{"ETag": quoteETag(res.ETag)})
	return nil
}

// handleRenew godoc
// @Summary      Renew a lease heartbeat
// @Tags         leases
// @Accept       json
// @Produce      json
// @Param        lock_id  path      string             true  "Lease id"
// @Param        request  body      api.HolderRequest  true  "Holder"
// @Success      200      {object}  api.LeaseResponse
// @Failure      403      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Failure      410      {object}  api.ErrorResponse
// @Router       /leases/{lock_id}/renew [post]
func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) error {
	var req api.HolderRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Renew(r.Context(), core.LeaseCommand{LockID: r.PathValue("lock_id"), Holder: req.Holder})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPILease(res), map[string]string{"ETag": quoteETag(res.ETag)})
	return nil
}

// handleRelease godoc
// @Summary      Release a lease
// @Tags         leases
// @Accept       json
// @Produce      json
// @Param        lock_id  path      string             true  "Lease id"
// @Param        request  body      api.HolderRequest  true  "Holder"
// @Success      200      {object}  api.LeaseResponse
// @Failure      403      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /leases/{lock_id}/release [post]
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	var req api.HolderRequest
	if err := h.decodeRequest(w, r, &req); err != nil {
		return err
	}
	res, err := h.core.Release(r.Context(), core.LeaseCommand{LockID: r.PathValue("lock_id"), Holder: req.Holder})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPILease(res), nil)
	return nil
}

func (h *Handler) handleDescribeLease(w http.ResponseWriter, r *http.Request) error {
	res, err := h.core.DescribeLease(r.Context(), r.PathValue("lock_id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, toAPILease(res), map[string]string{"ETag": quoteETag(res.ETag)})
	return nil
}

func (h *Handler) handleListLeases(w http.ResponseWriter, r *http.Request) error {
	leases := h.core.ListLeases(r.Context())
	resp := api.LeaseListResponse{Leases: make([]api.LeaseResponse, 0, len(leases))}
	for _, res := range leases {
		resp.Leases = append(resp.Leases, toAPILease(res))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}
