package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"fraud_scorer/internal/api"
	"fraud_scorer/internal/config"
	"fraud_scorer/internal/model"
	"fraud_scorer/internal/processor"
	"fraud_scorer/pkg/crypto"
	"fraud_scorer/pkg/metrics"
)

// ScoringService owns the process lifecycle: listeners come up first, the
// model is loaded once, and the handle is released after the servers drain.
type ScoringService struct {
	cfg           *config.Config
	opener        model.Opener
	metrics       *metrics.MetricsCollector
	api           *api.APIHandler
	httpServer    *http.Server
	metricsServer *http.Server
	httpLn        net.Listener
	metricsLn     net.Listener
	logger        *slog.Logger
}

// NewScoringService binds both listeners so that Addr values are final before
// Run is called.
func NewScoringService(cfg *config.Config, opener model.Opener, logger *slog.Logger) (*ScoringService, error) {
	if logger == nil {
		logger = slog.Default()
	}

	collector := metrics.NewMetricsCollector(logger)

	var signer *crypto.Signer
	if cfg.Signing.Secret != "" {
		signer = crypto.NewSigner(cfg.Signing.Secret, logger)
	}
	handler := api.NewAPIHandler(cfg.HTTP, collector, signer, logger)

	httpLn, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}
	metricsLn, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		httpLn.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
	}

	return &ScoringService{
		cfg:     cfg,
		opener:  opener,
		metrics: collector,
		api:     handler,
		httpServer: &http.Server{
			Handler:           handler.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
		metricsServer: collector.NewMetricsServer(cfg.Metrics.Addr),
		httpLn:        httpLn,
		metricsLn:     metricsLn,
		logger:        logger,
	}, nil
}

func (s *ScoringService) HTTPAddr() string    { return s.httpLn.Addr().String() }
func (s *ScoringService) MetricsAddr() string { return s.metricsLn.Addr().String() }

// Ready reports whether /predict is being served.
func (s *ScoringService) Ready() bool { return s.api.Ready() }

// Run serves until ctx is cancelled or the model fails to load. A load
// failure is returned so the caller can exit non-zero.
func (s *ScoringService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", slog.String("addr", s.HTTPAddr()))
		return serve(s.httpServer, s.httpLn)
	})
	g.Go(func() error {
		s.logger.Info("Starting metrics server", slog.String("addr", s.MetricsAddr()))
		return serve(s.metricsServer, s.metricsLn)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	handle, loadErr := model.Load(gctx, model.Options{
		Path:       s.cfg.Model.Path,
		InputWidth: s.cfg.Model.InputWidth,
		Logger:     s.logger,
	}, s.opener)

	if loadErr == nil {
		loadErr = s.publish(handle)
	}
	if loadErr != nil && gctx.Err() != nil && isContextErr(loadErr) {
		s.logger.Info("Shutdown requested while loading model", slog.String("path", s.cfg.Model.Path))
		loadErr = nil
	} else if loadErr != nil {
		s.logger.Error("Failed to load model",
			slog.String("path", s.cfg.Model.Path),
			slog.String("error", loadErr.Error()))
		cancel()
	} else if s.cfg.Model.Watch {
		watcher := model.NewArtifactWatcher(s.cfg.Model.Path, s.logger, func(string) {
			s.metrics.RecordArtifactChange()
		})
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				s.logger.Warn("Artifact watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	err := g.Wait()

	if handle != nil {
		if cerr := handle.Close(); cerr != nil {
			s.logger.Error("Model close failed", slog.String("error", cerr.Error()))
		}
	}
	if closer, ok := s.opener.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			s.logger.Error("Runtime shutdown failed", slog.String("error", cerr.Error()))
		}
	}

	if loadErr != nil {
		return fmt.Errorf("load model: %w", loadErr)
	}
	return err
}

func (s *ScoringService) publish(handle *model.Handle) error {
	scorer, err := processor.NewScorer(handle, processor.ScorerOptions{
		CacheSize: s.cfg.Cache.Size,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	s.api.SetScorer(scorer)
	s.logger.Info("Model ready, accepting predictions",
		slog.Int("input_width", handle.InputWidth()),
		slog.Int("cache_size", s.cfg.Cache.Size))
	return nil
}

func (s *ScoringService) shutdown() error {
	s.logger.Info("Shutting down servers")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownGrace)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := s.metricsServer.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := s.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
