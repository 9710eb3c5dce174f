package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tagger(tag string, order *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, tag)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	chain := NewChain(
		tagger("outer", &order),
		If(false, tagger("skipped", &order)),
		tagger("inner", &order),
	)
	if chain.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", chain.Len())
	}

	h := chain.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "outer,inner,handler" {
		t.Errorf("order = %s", got)
	}
}
