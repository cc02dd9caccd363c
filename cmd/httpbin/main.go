// Command httpbin serves the echo upstream used to exercise filters end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/httpbin"
	"github.com/wudi/filterhost/internal/logging"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	retries := flag.Int("retry-count", 3, "Failures /retry returns before succeeding")
	useTLS := flag.Bool("tls", false, "Serve HTTPS")
	certFile := flag.String("cert", httpbin.DefaultCertFile, "TLS certificate file")
	keyFile := flag.String("key", httpbin.DefaultKeyFile, "TLS key file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("httpbin %s\n", version)
		os.Exit(0)
	}

	logger, _, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	handler := httpbin.New(httpbin.Options{
		Version:    version,
		RetryCount: *retries,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("Listen failed", zap.String("address", *addr), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("httpbin listening", zap.String("address", ln.Addr().String()), zap.Bool("tls", *useTLS))
	err = httpbin.Serve(ctx, srv, ln, httpbin.ServeOptions{
		TLS:      *useTLS,
		CertFile: *certFile,
		KeyFile:  *keyFile,
	})
	if err != nil {
		logger.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
