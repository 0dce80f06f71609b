package server

import (
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// HttpHandler is a route contributed to the "handlers" group.
type HttpHandler struct {
	Name    string
	Handler http.Handler
}

type HttpHandlerResult struct {
	fx.Out

	Handler *HttpHandler `group:"handlers"`
}

func AsHttpHandler(
	name string,
	handler http.Handler,
) HttpHandlerResult {
	return HttpHandlerResult{
		Handler: &HttpHandler{
			Name:    name,
			Handler: handler,
		},
	}
}

// NewMux registers every handler under its route name.
func NewMux(handlers []*HttpHandler, log *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	for _, h := range handlers {
		log.Debug("registering route", zap.String("route", h.Name))
		mux.Handle(h.Name, h.Handler)
	}

	return mux
}

// LimitBody rejects request bodies larger than limit bytes. A limit of
// zero or less leaves the handler untouched.
func LimitBody(handler http.Handler, limit int64) http.Handler {
	if limit <= 0 {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit)
		handler.ServeHTTP(w, r)
	})
}
