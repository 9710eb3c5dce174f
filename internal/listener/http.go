package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/wudi/isapigw/config"
	"github.com/wudi/isapigw/internal/logging"
)

type contextKey struct{}

// IDFromContext returns the ID of the listener that accepted the request.
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// HTTPListener serves HTTP/1.1 and HTTP/2 over TCP, optionally with TLS, and
// HTTP/3 over QUIC on the same port when enabled.
type HTTPListener struct {
	id      string
	address string
	server  *http.Server
	tlsCfg  *tls.Config
	certPtr atomic.Pointer[tls.Certificate]

	ln          net.Listener
	http3Server *http3.Server
	udpConn     net.PacketConn
	active      atomic.Int64
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
	EnableHTTP3       bool
}

// NewHTTPListener creates a listener. Nothing is bound until Listen.
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{id: cfg.ID, address: cfg.Address}

	if cfg.TLS.Enabled {
		tlsCfg, err := h.loadTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		h.tlsCfg = tlsCfg
	}

	handler := cfg.Handler
	if cfg.EnableHTTP3 && h.tlsCfg != nil {
		h.http3Server = &http3.Server{
			Handler:   h.tag(cfg.Handler),
			TLSConfig: http3.ConfigureTLSConfig(h.tlsCfg),
		}
		handler = h.advertiseHTTP3(cfg.Handler)
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       orDefault(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      orDefault(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       orDefault(cfg.IdleTimeout, 60*time.Second),
		ReadHeaderTimeout: orDefault(cfg.ReadHeaderTimeout, 10*time.Second),
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		TLSConfig:         h.tlsCfg,
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return context.WithValue(ctx, contextKey{}, h.id)
		},
		ConnState: h.trackConn,
		ErrorLog:  zap.NewStdLog(logging.With(zap.String("listener", cfg.ID))),
	}
	if h.server.MaxHeaderBytes == 0 {
		h.server.MaxHeaderBytes = 1 << 20
	}
	return h, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

func (h *HTTPListener) loadTLS(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)

	tlsCfg := &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return h.certPtr.Load(), nil
		},
		MinVersion: tls.VersionTLS12,
	}

	switch cfg.ClientAuth {
	case "":
	case "request":
		tlsCfg.ClientAuth = tls.RequestClientCert
	case "require":
		tlsCfg.ClientAuth = tls.RequireAnyClientCert
	case "verify":
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown client_auth %q", cfg.ClientAuth)
	}
	if cfg.ClientCAFile != "" {
		caCert, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse client CA certificate")
		}
		tlsCfg.ClientCAs = pool
	}
	return tlsCfg, nil
}

// tag stamps the listener ID on HTTP/3 requests, which bypass ConnContext.
func (h *HTTPListener) tag(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, h.id)))
	})
}

// advertiseHTTP3 adds the Alt-Svc header to TCP responses.
func (h *HTTPListener) advertiseHTTP3(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.http3Server.SetQUICHeaders(w.Header()); err != nil {
			logging.Debug("alt-svc header not set", zap.String("listener", h.id), zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPListener) trackConn(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		h.active.Add(1)
	case http.StateClosed, http.StateHijacked:
		h.active.Add(-1)
	}
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Addr returns the bound address once listening.
func (h *HTTPListener) Addr() string {
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.address
}

// Listen binds the TCP socket, and the UDP socket when HTTP/3 is enabled.
func (h *HTTPListener) Listen() error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	if h.http3Server != nil {
		// the QUIC socket takes the port the TCP socket actually got
		udpConn, err := net.ListenPacket("udp", ln.Addr().String())
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen UDP for HTTP/3 on %s: %w", h.address, err)
		}
		h.udpConn = udpConn
		h.http3Server.Port = ln.Addr().(*net.TCPAddr).Port
	}
	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}
	h.ln = ln
	return nil
}

// Serve runs until Stop. Both transports are served and the first failure
// is returned.
func (h *HTTPListener) Serve() error {
	if h.ln == nil {
		return errors.New("listener not bound")
	}
	errCh := make(chan error, 2)
	go func() { errCh <- ignoreClosed(h.server.Serve(h.ln)) }()
	n := 1
	if h.udpConn != nil {
		n++
		go func() { errCh <- ignoreClosed(h.http3Server.Serve(h.udpConn)) }()
	}

	var first error
	for range n {
		if err := <-errCh; err != nil && first == nil {
			first = err
			h.server.Close()
			if h.http3Server != nil {
				h.http3Server.Close()
			}
		}
	}
	return first
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stop shuts HTTP/3 down first, then drains the TCP server.
func (h *HTTPListener) Stop(ctx context.Context) error {
	if h.http3Server != nil {
		h.http3Server.Close()
	}
	if h.udpConn != nil {
		h.udpConn.Close()
	}
	err := h.server.Shutdown(ctx)
	if h.ln != nil {
		// Shutdown only closes listeners that reached Serve
		h.ln.Close()
	}
	return err
}

// ReloadTLSCert hot-swaps the TLS certificate without restarting the listener.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)
	return nil
}

// TLSEnabled reports whether the TCP transport uses TLS.
func (h *HTTPListener) TLSEnabled() bool { return h.tlsCfg != nil }

// HTTP3Enabled reports whether HTTP/3 is served alongside TCP.
func (h *HTTPListener) HTTP3Enabled() bool { return h.http3Server != nil }

// ActiveConns returns the number of open TCP connections.
func (h *HTTPListener) ActiveConns() int64 { return h.active.Load() }
