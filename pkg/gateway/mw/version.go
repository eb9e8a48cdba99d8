package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/apierror"
)

const (
	apiVersionHeader    = "X-Demo-API-Version"
	supportedAPIVersion = "1"
)

// APIVersion rejects /v1 requests that pin a version this server does not
// speak. Requests without the header are accepted.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		for _, value := range r.Header.Values(apiVersionHeader) {
			for _, part := range strings.Split(value, ",") {
				v := strings.TrimSpace(part)
				if v == "" || v == supportedAPIVersion {
					continue
				}
				reqID, _ := RequestIDFrom(r.Context())
				apierror.WriteError(w, http.StatusBadRequest, &core.Error{
					Kind:      core.KindInvalidRequest,
					Message:   "unsupported API version " + v,
					Param:     apiVersionHeader,
					RequestID: reqID,
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}
