package handlers

import (
	"net/http"

	"github.com/vango-go/demo-copilot/pkg/core"
	"github.com/vango-go/demo-copilot/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apierror.WriteError(w, http.StatusNotFound, &core.Error{
		Kind:      core.KindInvalidRequest,
		Message:   "no route for " + r.Method + " " + r.URL.Path,
		RequestID: requestID(r),
	})
}
