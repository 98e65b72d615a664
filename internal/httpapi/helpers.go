package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

// decodeRequest decodes a bounded JSON body into dst.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	if err := decodeJSONBody(body, dst, jsonDecodeOptions{disallowUnknowns: true}); err != nil {
		return bodyError(err)
	}
	return nil
}

// readPayload returns the raw request body, bounded by JSONMaxBytes.
func (h *Handler) readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, bodyError(err)
	}
	return json.RawMessage(data), nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return httpError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Detail: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)}
	}
	if errors.Is(err, io.EOF) {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: "request body is required"}
	}
	return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
}

func queryUint(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_" + name, Detail: fmt.Sprintf("%s must be a non-negative integer", name)}
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, httpError{Status: http.StatusBadRequest, Code: "invalid_" + name, Detail: fmt.Sprintf("%s must be a non-negative integer", name)}
	}
	return v, nil
}
