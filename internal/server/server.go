// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keystore.
//
// go-keystore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server assembles the keystore daemon from its configuration:
// entropy source, blob storage, keymaster devices, identity policy and the
// Unix socket front end.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jeremyhahn/go-keystore/internal/config"
	"github.com/jeremyhahn/go-keystore/internal/unix"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keystore/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keystore/pkg/crypto/rand"
	"github.com/jeremyhahn/go-keystore/pkg/health"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster/pkcs11"
	"github.com/jeremyhahn/go-keystore/pkg/keymaster/software"
	"github.com/jeremyhahn/go-keystore/pkg/keystore"
	"github.com/jeremyhahn/go-keystore/pkg/metrics"
	"github.com/jeremyhahn/go-keystore/pkg/policy"
	"github.com/jeremyhahn/go-keystore/pkg/storage"
	"github.com/jeremyhahn/go-keystore/pkg/storage/file"
)

// Server is the keystore daemon.
type Server struct {
	config *config.Config
	logger logger.Logger

	entropy  rand.Resolver
	store    storage.Backend
	keystore *keystore.KeyStore

	unixServer    *unix.Server
	healthChecker *health.Checker
	collector     *metrics.StateCollector

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	errCh      chan error
	shutdownCh chan struct{}
	once       sync.Once
}

// New builds the daemon and migrates the store to the current layout. It
// does not start serving.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := setupLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		errCh:      make(chan error, 1),
		shutdownCh: make(chan struct{}),
	}

	if err := s.initialize(); err != nil {
		cancel()
		s.closeResources()
		return nil, err
	}
	return s, nil
}

// setupLogger builds the slog adapter described by the logging section.
func setupLogger(cfg config.LoggingConfig) (*logger.SlogAdapter, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: strings.ToLower(cfg.Format),
		Output: os.Stderr,
	}), nil
}

func (s *Server) initialize() error {
	randCfg, err := s.config.RandConfig()
	if err != nil {
		return err
	}
	if s.entropy, err = rand.NewResolver(randCfg); err != nil {
		return fmt.Errorf("failed to open entropy source: %w", err)
	}
	if src := s.entropy.Source(); src != nil {
		s.logger.Info("Entropy source ready", logger.String("source", src.Name()))
	}

	if s.store, err = openStorage(s.config.Storage); err != nil {
		return err
	}

	km, err := s.openKeymaster()
	if err != nil {
		return err
	}

	policyCfg, err := s.config.Policy.Build()
	if err != nil {
		_ = km.Close()
		return err
	}

	s.keystore, err = keystore.New(&keystore.Config{
		Storage:   s.store,
		Policy:    policy.New(policyCfg),
		Keymaster: km,
		Entropy:   s.entropy,
		MaxRetry:  s.config.Policy.MaxRetry,
		Logger:    s.logger,
	})
	if err != nil {
		_ = km.Close()
		return fmt.Errorf("failed to create keystore: %w", err)
	}

	if err := s.keystore.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("storage", health.StorageCheck(s.store))
	s.healthChecker.RegisterCheck("entropy", health.EntropyCheck(s.entropy))

	mode, err := s.config.Server.Mode()
	if err != nil {
		return err
	}
	unixCfg := &unix.Config{
		SocketPath: s.config.Server.Socket,
		SocketMode: mode,
		KeyStore:   s.keystore,
		Health:     s.healthChecker,
		RateLimit:  &s.config.RateLimit,
		Logger:     s.logger,
	}
	if s.config.Audit.Enabled {
		auditors := audit.Multi{audit.NewLogAuditor(s.logger.With(logger.String("component", "audit")))}
		if s.config.Audit.Recent > 0 {
			recent := audit.NewMemoryAuditor(s.config.Audit.Recent)
			auditors = append(auditors, recent)
			unixCfg.AuditLog = recent
		}
		unixCfg.Audit = auditors
	}
	if s.config.Metrics.Enabled {
		unixCfg.MetricsPath = s.config.Metrics.Path
	}
	s.unixServer, err = unix.NewServer(unixCfg)
	return err
}

func openStorage(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return storage.NewMemory(), nil
	case config.StorageFile:
		store, err := file.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.Path, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
}

// openKeymaster pairs the configured device with the software fallback.
func (s *Server) openKeymaster() (*keymaster.Capability, error) {
	fallback := software.New(s.entropy)

	var hardware keymaster.Device
	if s.config.Keymaster.Device == config.DevicePKCS11 {
		dev, err := pkcs11.New(s.config.Keymaster.PKCS11)
		if err != nil {
			return nil, fmt.Errorf("failed to open keymaster device: %w", err)
		}
		hardware = dev
	}
	km, err := keymaster.NewCapability(hardware, fallback)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Keymaster ready", logger.String("device", km.Hardware().Name()))
	return km, nil
}

// Start serves on the Unix socket and starts the metrics collector. It
// returns once the socket is listening.
func (s *Server) Start() error {
	s.logger.Info("Starting keystore server")

	if s.config.Metrics.Enabled {
		metrics.Enable()
		s.collector = metrics.StartStateCollector(s.ctx, s.keystore, s.config.Metrics.CollectInterval)
	} else {
		metrics.Disable()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.unixServer.Start(); err != nil {
			s.logger.Error("Unix socket server failed", logger.Error(err))
			s.errCh <- err
		}
	}()

	select {
	case <-s.unixServer.Ready():
	case err := <-s.errCh:
		return err
	}

	s.healthChecker.MarkStarted()
	s.logger.Info("Keystore server started", logger.String("socket", s.unixServer.SocketPath()))
	return nil
}

// Errors delivers a fatal serve error after Start returned.
func (s *Server) Errors() <-chan error {
	return s.errCh
}

// KeyStore returns the keystore being served.
func (s *Server) KeyStore() *keystore.KeyStore {
	return s.keystore
}

// Shutdown stops serving, closes the devices and wipes key material held
// in locked memory. It is safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.once.Do(func() {
		s.logger.Info("Shutting down keystore server")
		s.healthChecker.MarkNotStarted()
		if s.collector != nil {
			s.collector.Stop()
		}
		s.cancel()

		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err = s.unixServer.Stop(ctx); err != nil {
			s.logger.Error("Error shutting down Unix socket server", logger.Error(err))
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("Shutdown timeout exceeded, forcing stop")
		}

		s.closeResources()
		memguard.Purge()
		close(s.shutdownCh)
		s.logger.Info("Keystore server stopped")
	})
	return err
}

func (s *Server) closeResources() {
	if s.keystore != nil {
		if err := s.keystore.Close(); err != nil {
			s.logger.Error("Error closing keymaster", logger.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Error closing storage", logger.Error(err))
		}
	}
	if s.entropy != nil {
		if err := s.entropy.Close(); err != nil {
			s.logger.Error("Error closing entropy source", logger.Error(err))
		}
	}
}

// WaitForShutdown blocks until the server is shut down
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-signalCh
		slog.Info("Received shutdown signal", "signal", sig.String())
		cancel()
	}()

	return ctx
}
