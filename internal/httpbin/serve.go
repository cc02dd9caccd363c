package httpbin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Default key pair locations, where a mounted TLS secret lands.
const (
	DefaultCertFile = "/etc/httpbin/tls/tls.crt"
	DefaultKeyFile  = "/etc/httpbin/tls/tls.key"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions selects plain HTTP or HTTPS for Serve.
type ServeOptions struct {
	TLS bool
	// CertFile and KeyFile default to DefaultCertFile and DefaultKeyFile.
	CertFile string
	KeyFile  string
}

// Serve runs srv on ln until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, opts ServeOptions) error {
	errc := make(chan error, 1)
	go func() {
		if opts.TLS {
			cert, key := opts.CertFile, opts.KeyFile
			if cert == "" {
				cert = DefaultCertFile
			}
			if key == "" {
				key = DefaultKeyFile
			}
			errc <- srv.ServeTLS(ln, cert, key)
			return
		}
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errc
		return err
	}
}
