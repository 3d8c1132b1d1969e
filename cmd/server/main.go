package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trust-service/internal/factory"
	"trust-service/internal/handler"
	"trust-service/internal/util"
)

const shutdownGrace = 30 * time.Second

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	if err := run(f); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

// run starts the listeners the configuration asks for and blocks until a
// shutdown signal or a listener failure.
func run(f *factory.Factory) error {
	cfg := f.Config()
	assistant := f.ServiceFactory().AssistantService()
	router := handler.NewRouter(
		handler.NewAssistantHandler(assistant, util.Named("http")),
		f, cfg.Server, util.Get(),
	)

	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var servers []*http.Server
	switch {
	case !cfg.Server.EnableTLS:
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", api.Addr),
		)
		servers = append(servers, api)

	case cfg.IsProduction() && cfg.Server.AutoCert:
		acm := f.TLSManager().GetAutocertManager()
		if acm == nil {
			return errors.New("autocert manager is not available in production")
		}
		api.Addr = ":443"
		api.TLSConfig = f.TLSManager().GetTLSConfig()
		// Port 80 only answers ACME challenges and redirects.
		challenge := &http.Server{
			Addr:              ":80",
			Handler:           acm.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		util.Info("Starting HTTPS server with AutoCert",
			util.String("domain", cfg.Server.Domain),
		)
		servers = append(servers, api, challenge)

	default:
		api.Addr = ":" + cfg.Server.TLSPort
		api.TLSConfig = f.TLSManager().GetTLSConfig()
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.String("address", api.Addr),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
		servers = append(servers, api)
	}

	failed := make(chan error, len(servers))
	for _, srv := range servers {
		go serve(srv, failed)
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)
	return waitForShutdown(f, failed, servers...)
}

// serve runs one listener; certificates come from TLSConfig.GetCertificate.
func serve(srv *http.Server, failed chan<- error) {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		failed <- err
	}
}

func waitForShutdown(f *factory.Factory, failed <-chan error, servers ...*http.Server) error {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalChan)

	var runErr error
	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case runErr = <-failed:
		util.Error("Listener failed", util.ErrorField(runErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err), util.String("address", srv.Addr))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	f.Close()
	return runErr
}
