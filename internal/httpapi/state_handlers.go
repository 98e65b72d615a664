package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/collabd/api"
	"pkt.systems/collabd/internal/core"
)

// handleGetResource godoc
// @Summary      Read a resource
// @Tags         state
// @Produce      json
// @Param        kind  path  string  true  "Resource kind"
// @Param        id    path  string  true  "Resource id"
// @Success      200   {object}  api.ResourceResponse
// @Failure      404   {object}  api.ErrorResponse
// @Router       /state/{kind}/{id} [get]
func (h *Handler) handleGetResource(w http.ResponseWriter, r *http.Request) error {
	res, err := h.core.GetResource(r.Context(), r.PathValue("kind"), r.PathValue("id"))
	if err != nil {
		return err
	}
	tag := quoteETag(res.ETag)
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatches(inm, res.Version) {
		w.Header().Set("ETag", tag)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.ResourceResponse{
		Kind:      res.Kind,
		ID:        res.ID,
		Payload:   res.Payload,
		ETag:      res.ETag,
		Version:   res.Version,
		UpdatedAt: res.UpdatedAt,
	}, map[string]string{"ETag": tag})
	return nil
}

// handleCreateResource godoc
// @Summary      Create a resource
// @Description  The request body is the JSON payload. The id query parameter is optional; one is generated when absent.
// @Tags         state
// @Accept       json
// @Produce      json
// @Param        kind  path   string  true   "Resource kind"
// @Param        id    query  string  false  "Resource id"
// @Success      201   {object}  api.CreateResponse
// @Failure      409   {object}  api.ErrorResponse
// @Router       /state/{kind} [post]
func (h *Handler) handleCreateResource(w http.ResponseWriter, r *http.Request) error {
	payload, err := h.readPayload(w, r)
	if err != nil {
		return err
	}
	res, err := h.core.CreateResource(r.Context(), core.CreateCommand{
		Kind:    r.PathValue("kind"),
		ID:      strings.TrimSpace(r.URL.Query().Get("id")),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, api.CreateResponse{
		ID:      res.ID,
		ETag:    res.ETag,
		Version: res.Version,
	}, map[string]string{
		"ETag":     quoteETag(res.ETag),
		"Location": "/state/" + res.Kind + "/" + res.ID,
	})
	return nil
}

// handleUpdateResource godoc
// @Summary      Replace a resource payload
// @Tags         state
// @Accept       json
// @Produce      json
// @Param        kind      path    string  true  "Resource kind"
// @Param        id        path    string  true  "Resource id"
// @Param        If-Match  header  string  true  "Current ETag"
// @Success      200  {object}  api.WriteResponse
// @Failure      412  {object}  api.ErrorResponse
// @Failure      428  {object}  api.ErrorResponse
// @Router       /state/{kind}/{id} [patch]
func (h *Handler) handleUpdateResource(w http.ResponseWriter, r *http.Request) error {
	payload, err := h.readPayload(w, r)
	if err != nil {
		return err
	}
	res, err := h.core.UpdateResource(r.Context(), core.UpdateCommand{
		Kind:    r.PathValue("kind"),
		ID:      r.PathValue("id"),
		IfMatch: r.Header.Get("If-Match"),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.WriteResponse{ETag: res.ETag, Version: res.Version},
		map[string]string{"ETag": quoteETag(res.ETag)})
	return nil
}

// handleDeleteResource godoc
// @Summary      Delete a resource
// @Tags         state
// @Produce      json
// @Param        kind      path    string  true  "Resource kind"
// @Param        id        path    string  true  "Resource id"
// @Param        If-Match  header  string  true  "Current ETag"
// @Success      200  {object}  api.WriteResponse
// @Failure      412  {object}  api.ErrorResponse
// @Router       /state/{kind}/{id} [delete]
func (h *Handler) handleDeleteResource(w http.ResponseWriter, r *http.Request) error {
	res, err := h.core.DeleteResource(r.Context(), core.DeleteCommand{
		Kind:    r.PathValue("kind"),
		ID:      r.PathValue("id"),
		IfMatch: r.Header.Get("If-Match"),
	})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.WriteResponse{ETag: res.ETag, Version: res.Version}, nil)
	return nil
}

// handleListResources godoc
// @Summary      List resources of a kind
// @Tags         state
// @Produce      json
// @Param        kind   path   string  true   "Resource kind"
// @Param        after  query  string  false  "Resume after this id"
// @Param        limit  query  int     false  "Page size"
// @Success      200    {object}  api.ListResponse
// @Router       /state/{kind} [get]
func (h *Handler) handleListResources(w http.ResponseWriter, r *http.Request) error {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	res, err := h.core.ListResources(r.Context(), core.ListCommand{
		Kind:  r.PathValue("kind"),
		After: strings.TrimSpace(r.URL.Query().Get("after")),
		Limit: limit,
	})
	if err != nil {
		return err
	}
	resp := api.ListResponse{Items: make([]api.ListItem, 0, len(res.Items)), Next: res.Next}
	for _, item := range res.Items {
		resp.Items = append(resp.Items, api.ListItem{ID: item.ID, ETag: item.ETag})
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func etagMatches(header string, version uint64) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if v, err := core.ParseETag(candidate); err == nil && v == version {
			return true
		}
	}
	return false
}
