package httpadapter

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

//go:embed openapi.yaml
var openAPISpec []byte

// requestValidator checks /v1 requests against the embedded OpenAPI document
// before they reach a handler.
type requestValidator struct {
	router routers.Router
}

func newRequestValidator() (*requestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &requestValidator{router: router}, nil
}

func (v *requestValidator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			status := http.StatusNotFound
			if isMethodNotAllowed(err) {
				status = http.StatusMethodNotAllowed
			}
			writeJSON(w, status, errorBody{Error: http.StatusText(status), RequestID: requestIDFromContext(r.Context())})
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options:    &openapi3filter.Options{MultiError: false},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: validationMessage(err), RequestID: requestIDFromContext(r.Context())})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isMethodNotAllowed(err error) bool {
	var routeErr *routers.RouteError
	if errors.As(err, &routeErr) {
		return routeErr.Reason == routers.ErrMethodNotAllowed.Error()
	}
	return false
}

func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Err != nil {
			return reqErr.Reason + ": " + reqErr.Err.Error()
		}
		return reqErr.Error()
	}
	return err.Error()
}
