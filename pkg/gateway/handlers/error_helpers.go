package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/apierror"
	"github.com/vango-go/demo-copilot/pkg/gateway/mw"
)

func requestID(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierror.Write(w, err, requestID(r))
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.Errorf(core.KindInvalidRequest, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return core.Wrap(core.KindInvalidRequest, err, "invalid JSON body")
	}
	if dec.More() {
		return core.Errorf(core.KindInvalidRequest, "request body must be a single JSON object")
	}
	return nil
}
