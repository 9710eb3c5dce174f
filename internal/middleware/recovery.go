package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/isapigw/internal/errors"
	"github.com/wudi/isapigw/internal/logging"
)

// Recovery turns a panic in the pipeline into a 500. Panics inside an
// extension entry point are handled by the isapi handler; this catches the
// rest. http.ErrAbortHandler is re-raised so net/http can drop the
// connection quietly.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logging.Error("panic recovered",
					zap.Any("error", p),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.ByteString("stack", debug.Stack()),
				)
				gerr := errors.ErrInternalServer.WithDetails(fmt.Sprintf("panic: %v", p))
				if id := RequestIDFromContext(r.Context()); id != "" {
					gerr = gerr.WithRequestID(id)
				}
				gerr.WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
