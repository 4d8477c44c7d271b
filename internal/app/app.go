package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"velvet/internal/backend"
	"velvet/internal/config"
	"velvet/internal/core"
	"velvet/internal/modules/arith"
	"velvet/internal/modules/crypto"
	"velvet/internal/modules/echo"
	"velvet/internal/modules/flate"
	"velvet/internal/modules/host"
	"velvet/internal/modules/jsonx"
	"velvet/internal/modules/native"
	"velvet/internal/modules/script"
	"velvet/internal/script/lua"
	"velvet/internal/storage"
	"velvet/internal/storage/sqlite"
	"velvet/internal/transports/common"
	"velvet/internal/transports/console"
	"velvet/internal/transports/web"
)

// App агрегирует зависимости ядра.
type App struct {
	Registry   *core.Registry
	Transports *core.TransportManager
	Authorizer core.Authorizer
	Store      storage.Store
	Config     config.Config
	Logger     *slog.Logger

	limiter *common.RateLimiter
}

// New строит приложение: реестр модулей, журнал и транспорты.
func New(ctx context.Context, cfg config.Config, lg *slog.Logger) (*App, error) {
	r, err := BuildRegistry(ctx, cfg, lg)
	if err != nil {
		return nil, err
	}

	st, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		Registry:   r,
		Transports: core.NewTransportManager(),
		Authorizer: core.NewAllowlistAuthorizer(cfg.Security.AuthAllowlist),
		Store:      st,
		Config:     cfg,
		Logger:     lg,
		limiter:    common.NewRateLimiter(cfg.Security.RateLimit, time.Duration(cfg.Security.RateWindowMS)*time.Millisecond),
	}

	if cfg.Web.Enabled {
		if err := a.Transports.Register(a.newWeb()); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("register web transport: %w", err)
		}
	}
	return a, nil
}

// BuildRegistry регистрирует встроенные и настроенные модули и закрывает регистрацию.
func BuildRegistry(ctx context.Context, cfg config.Config, lg *slog.Logger) (*core.Registry, error) {
	r := core.NewRegistry(core.WithLogger(lg), core.WithAsyncWorkers(cfg.Dispatch.AsyncWorkers))

	modules := []struct {
		id string
		h  core.Handler
	}{
		{"echo", echo.Module{}},
		{string(arith.Add), arith.New(arith.Add)},
		{string(arith.Sub), arith.New(arith.Sub)},
		{string(arith.Mul), arith.New(arith.Mul)},
		{string(arith.Divide), arith.New(arith.Divide)},
		{"json", jsonx.Module{}},
		{"flate", flate.New(cfg.Modules.FlateLevel)},
		{"crypto", crypto.New(cfg.Modules.BcryptCost)},
		{"script", script.New(lua.New(
			lua.WithTimeout(time.Duration(cfg.Modules.ScriptTimeoutMS)*time.Millisecond),
			lua.WithOutput(os.Stderr),
		))},
		{"host", &host.Module{}},
	}
	for _, m := range modules {
		if err := r.Register(ctx, m.id, m.h); err != nil {
			return nil, errors.Join(err, r.Close(ctx))
		}
	}

	for _, n := range cfg.Native {
		b, err := backend.New(backend.Spec{
			Kind:      backend.Kind(n.Kind),
			Program:   n.Program,
			Args:      n.Args,
			URL:       n.URL,
			Timeout:   time.Duration(n.TimeoutMS) * time.Millisecond,
			Retries:   n.Retries,
			RetryWait: time.Duration(n.RetryWaitMS) * time.Millisecond,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("native module %s: %w: %w", n.ID, core.ErrConfiguration, err), r.Close(ctx))
		}
		if err := r.Register(ctx, n.ID, native.New(n.ID, b)); err != nil {
			_ = b.Close()
			return nil, errors.Join(err, r.Close(ctx))
		}
	}

	if err := r.Seal(); err != nil {
		return nil, errors.Join(err, r.Close(ctx))
	}
	return r, nil
}

func (a *App) newWeb() *web.Adapter {
	cfg := a.Config.Web
	tokens := make([]web.TokenEntry, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		tokens = append(tokens, web.TokenEntry{
			ID:          token.ID,
			TokenSHA256: token.TokenSHA256,
			Subject:     token.Subject,
			Roles:       token.Roles,
			Enabled:     token.Enabled,
		})
	}
	return web.NewAdapter(a.Registry, a.Authorizer, a.Store, a.Logger.With("transport", "web"), web.Config{
		ListenAddr:               cfg.ListenAddr,
		ReadTimeout:              time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:             time.Duration(cfg.WriteTimeoutMS) * time.Millisecond,
		RequestTimeout:           time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		ShutdownTimeout:          time.Duration(cfg.ShutdownTimeoutS) * time.Second,
		MaxRequestBody:           cfg.MaxBodyBytes,
		AllowLegacySubjectHeader: cfg.AllowLegacySubjectHeader,
		Tokens:                   tokens,
		CORSAllowedOrigins:       cfg.CORS.AllowedOrigins,
		CORSAllowedMethods:       cfg.CORS.AllowedMethods,
		CORSAllowedHeaders:       cfg.CORS.AllowedHeaders,
	})
}

// Console возвращает консольный транспорт для subject.
func (a *App) Console(subject string) *console.Adapter {
	return console.NewAdapter(a.Registry, a.Authorizer, a.limiter, common.AuditSinkFunc(a.Store.SaveAudit), subject)
}

// Close дожидается асинхронных вызовов, закрывает модули и журнал.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close(ctx))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// Serve запускает транспорты и планировщик до отмены ctx.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Transports.StopAll(stopCtx); err != nil {
			a.Logger.Warn("stop transports", "err", err)
		}
	}()

	sched := core.NewScheduler(time.Duration(a.Config.Scheduler.IntervalSeconds)*time.Second, a.Logger)
	for _, p := range a.Config.Scheduler.Probes {
		sched.Add("probe:"+p.Module, a.ProbeJob(p))
	}
	if days := a.Config.SQLite.RetentionDays; days > 0 {
		sched.Add("retention", a.RetentionJob(time.Duration(days)*24*time.Hour))
	}

	a.Logger.Info("serving", "modules", len(a.Registry.Modules()), "transports", a.Transports.Names())
	sched.Start(ctx)
	return ctx.Err()
}

// ProbeJob вызывает модуль и сохраняет результат в журнал.
func (a *App) ProbeJob(p config.Probe) core.Job {
	return func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		out := a.Registry.InvokeSync(runCtx, p.Module, p.Command)
		rec := storage.ResultRecord{
			Module:  out.Module,
			Command: out.Command,
			Status:  out.Status(),
			Result:  out.Result,
		}
		if out.Fault != nil {
			rec.FaultKind = string(out.Fault.Kind)
		}
		if err := a.Store.SaveResult(ctx, rec); err != nil {
			return err
		}
		return out.Err()
	}
}

// RetentionJob удаляет записи журнала старше keep.
func (a *App) RetentionJob(keep time.Duration) core.Job {
	return func(ctx context.Context) error {
		n, err := a.Store.PurgeBefore(ctx, time.Now().Add(-keep))
		if err != nil {
			return err
		}
		if n > 0 {
			a.Logger.Info("journal purged", "rows", n)
		}
		return nil
	}
}
