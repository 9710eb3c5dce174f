package middleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middlewares; the first is outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain from middlewares, skipping nil entries.
func NewChain(middlewares ...Middleware) *Chain {
	c := &Chain{}
	for _, m := range middlewares {
		if m != nil {
			c.middlewares = append(c.middlewares, m)
		}
	}
	return c
}

// If returns m when cond holds and nil otherwise, for optional links.
func If(cond bool, m Middleware) Middleware {
	if !cond {
		return nil
	}
	return m
}

// Then wraps h in the chain.
func (c *Chain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}
