package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// maxRequestBodySize caps every JSON request body.
const maxRequestBodySize = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-limited JSON body into v. It writes the error
// response itself and reports whether decoding succeeded. Numbers decode as
// json.Number so decimals keep their exact text.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			RequestTooLargeError(w, r, "Request body exceeds 1MB limit")
		case errors.Is(err, io.EOF):
			BadRequestError(w, r, ErrCodeInvalidJSON, "Request body is required")
		default:
			BadRequestError(w, r, ErrCodeInvalidJSON, "Invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}

// evaluationRequest is the body of every evaluation route.
type evaluationRequest struct {
	Data map[string]any `json:"data"`
}

// decodeInput reads an evaluation body. A missing data object evaluates an
// empty fact.
func decodeInput(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var req evaluationRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	return req.Data, true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, true, nil
}

// pageParams reads the page and size query parameters.
func pageParams(r *http.Request) (page, size int, fields map[string]string) {
	fields = map[string]string{}
	if n, ok, err := queryInt(r, "page"); err != nil {
		fields["page"] = err.Error()
	} else if ok {
		page = n
	}
	if n, ok, err := queryInt(r, "size"); err != nil {
		fields["size"] = err.Error()
	} else if ok {
		size = n
	}
	return page, size, fields
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", name)
	}
	return &b, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
