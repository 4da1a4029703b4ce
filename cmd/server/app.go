package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/events"
	"github.com/isdmx/runbox/languages"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
	"github.com/isdmx/runbox/ops"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/security"
)

const stopTimeout = time.Minute

func newApp(path string) *fx.App {
	return fx.New(
		fx.Supply(config.Path(path)),

		// Provide dependencies
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			languages.NewRegistryFromConfig,
			sandbox.New,
			events.NewFromConfig,
			engine.NewFromConfig,
			func(cfg *config.Config, log *zap.Logger, e *engine.Engine) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log, e)
			},
			func(cfg *config.Config, log *zap.Logger, e *engine.Engine) *ops.Server {
				return ops.New(cfg, log, e)
			},
		),

		fx.Invoke(registerHooks),

		fx.StopTimeout(stopTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

type hookParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Path       config.Path
	Config     *config.Config
	Logger     *zap.Logger
	Level      zap.AtomicLevel
	Runtime    sandbox.Runtime
	Registry   *languages.Registry
	Engine     *engine.Engine
	MCP        *mcpserver.MCPServer
	Ops        *ops.Server
}

func registerHooks(p hookParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Engine.Start(ctx); err != nil {
				return err
			}
			if err := p.Ops.Start(ctx); err != nil {
				return err
			}
			watchConfig(p.Path, p.Engine, p.Registry, p.Level, p.Logger)
			go serveMCP(p.Config.Server.Transport, p.MCP, p.Shutdowner, p.Logger)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if err := p.MCP.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := p.Ops.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}

			drainCtx, cancel := context.WithTimeout(ctx, p.Config.Scheduler.ShutdownTimeout)
			defer cancel()
			if err := p.Engine.Stop(drainCtx); err != nil {
				errs = append(errs, err)
			}
			if err := p.Runtime.Close(); err != nil {
				errs = append(errs, err)
			}
			_ = p.Logger.Sync()
			return errors.Join(errs...)
		},
	})
}

// serveMCP blocks on the configured transport and stops the app once the
// transport ends, e.g. when the stdio peer closes its end.
func serveMCP(transport string, server *mcpserver.MCPServer, shutdowner fx.Shutdowner, log *zap.Logger) {
	var err error
	switch transport {
	case "http":
		err = server.ServeHTTP()
	default:
		err = server.ServeStdio()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		log.Error("MCP transport stopped", zap.String("transport", transport), zap.Error(err))
		_ = shutdowner.Shutdown(fx.ExitCode(1))
		return
	}
	_ = shutdowner.Shutdown()
}

// watchConfig reloads the security policy and the log level whenever the
// config file changes.
func watchConfig(path config.Path, e *engine.Engine, registry *languages.Registry, level zap.AtomicLevel, log *zap.Logger) {
	err := config.Watch(path, func(cfg *config.Config, err error) {
		if err != nil {
			log.Warn("ignoring invalid configuration change", zap.Error(err))
			return
		}
		if err := e.UpdatePolicy(security.PolicyFromConfig(cfg, registry)); err != nil {
			log.Warn("ignoring invalid security policy", zap.Error(err))
		}
		if lvl, err := logger.ParseLevel(cfg.Logging.Level); err == nil && lvl != level.Level() {
			level.SetLevel(lvl)
			log.Info("log level changed", zap.Stringer("level", lvl))
		}
	})
	if err != nil {
		log.Debug("configuration watch disabled", zap.Error(err))
	}
}

// allowedLanguages lists registered languages the configured policy allows.
func allowedLanguages(path string) ([]string, error) {
	cfg, err := config.New(config.Path(path))
	if err != nil {
		return nil, err
	}
	registry, err := languages.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	policy := security.PolicyFromConfig(cfg, registry)
	var names []string
	for _, name := range registry.Languages() {
		if policy.Allows(name) {
			names = append(names, name)
		}
	}
	return names, nil
}
