package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrConfiguration возвращается только на этапе сборки реестра и фатален для старта.
	ErrConfiguration = errors.New("registry configuration error")

	errModuleExists     = errors.New("module already registered")
	errRegistrySealed   = errors.New("registry is not building")
	errUnknownModule    = errors.New("unknown module")
	errNotServing       = errors.New("registry is not serving")
	errHandlerPanic     = errors.New("handler panic")
	errInvalidArguments = errors.New("invalid arguments")
)

// State описывает фазу жизненного цикла реестра.
type State int32

const (
	StateBuilding State = iota
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Registry хранит зарегистрированные модули и выполняет команды.
// Регистрация однопоточна и допустима только до Seal; после Seal карта модулей
// только читается, поэтому вызовы идут без блокировок.
type Registry struct {
	modules map[string]Handler
	state   atomic.Int32
	logger  *slog.Logger

	sem *semaphore.Weighted

	// mu защищает inflight.Add от гонки с Close.
	mu       sync.RWMutex
	inflight sync.WaitGroup

	// closeMu сериализует Close; torn выставляется после закрытия модулей.
	closeMu sync.Mutex
	torn    bool
}

// Option настраивает Registry.
type Option func(*Registry)

// WithLogger задает логгер реестра.
func WithLogger(lg *slog.Logger) Option {
	return func(r *Registry) {
		if lg != nil {
			r.logger = lg
		}
	}
}

// WithAsyncWorkers ограничивает число одновременно исполняемых асинхронных вызовов.
// Остальные вызовы ждут в очереди и не отбрасываются.
func WithAsyncWorkers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewRegistry создает пустой реестр модулей в фазе building.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		modules: make(map[string]Handler),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		sem:     semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State возвращает текущую фазу реестра.
func (r *Registry) State() State {
	return State(r.state.Load())
}

// Register добавляет модуль под id; id должен быть уникальным.
// Повторная регистрация id - ошибка конфигурации, а не замена.
func (r *Registry) Register(ctx context.Context, id string, h Handler) error {
	if r.State() != StateBuilding {
		return fmt.Errorf("register %s: %w: %w", id, ErrConfiguration, errRegistrySealed)
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil: %w: %w", id, ErrConfiguration, errInvalidArguments)
	}
	if id == "" {
		return fmt.Errorf("module id is empty: %w: %w", ErrConfiguration, errInvalidArguments)
	}
	if _, exists := r.modules[id]; exists {
		return fmt.Errorf("%s: %w: %w", id, ErrConfiguration, errModuleExists)
	}
	if in, ok := h.(Initializer); ok {
		if err := in.Init(ctx); err != nil {
			return fmt.Errorf("init %s: %w: %w", id, ErrConfiguration, err)
		}
	}
	r.modules[id] = h
	r.logger.Debug("module registered", "module", id)
	return nil
}

// Seal закрывает регистрацию и переводит реестр в фазу serving.
func (r *Registry) Seal() error {
	if !r.state.CompareAndSwap(int32(StateBuilding), int32(StateServing)) {
		return fmt.Errorf("seal: %w: %w", ErrConfiguration, errRegistrySealed)
	}
	r.logger.Info("registry serving", "modules", len(r.modules))
	return nil
}

// InvokeSync вызывает модуль в текущей горутине и всегда возвращает классифицированный результат.
// Вызов учитывается в inflight, чтобы Close не закрыл модуль во время исполнения.
func (r *Registry) InvokeSync(ctx context.Context, id, command string) Outcome {
	if !r.enter() {
		return unavailable(id, command, r.State())
	}
	defer r.inflight.Done()
	return r.invoke(ctx, id, command)
}

// enter регистрирует вызов в inflight, если реестр в фазе serving.
func (r *Registry) enter() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.State() != StateServing {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Invoke - обертка над InvokeSync в виде (result, error) для транспортов.
func (r *Registry) Invoke(ctx context.Context, id, command string) (string, error) {
	out := r.InvokeSync(ctx, id, command)
	return out.Result, out.Err()
}

// InvokeAsync планирует вызов вне горутины вызывающего. Pending разрешается ровно один раз.
// Отмена уже выполняющегося модуля не поддерживается: ctx передается модулю как есть.
func (r *Registry) InvokeAsync(ctx context.Context, id, command string) *Pending {
	p := newPending()
	if !r.enter() {
		p.resolve(unavailable(id, command, r.State()))
		return p
	}

	go func() {
		defer r.inflight.Done()
		// Контекст без отмены: вызов из очереди не должен теряться.
		_ = r.sem.Acquire(context.WithoutCancel(ctx), 1)
		defer r.sem.Release(1)
		p.resolve(r.invoke(ctx, id, command))
	}()
	return p
}

// Modules возвращает отсортированный список зарегистрированных модулей.
func (r *Registry) Modules() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close переводит реестр в фазу closed, дожидается текущих вызовов
// и закрывает модули, реализующие io.Closer. Если ожидание прервано ctx,
// модули остаются открытыми и повторный Close завершает остановку.
func (r *Registry) Close(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()

	r.mu.Lock()
	r.state.Store(int32(StateClosed))
	r.mu.Unlock()
	if r.torn {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		default:
			return fmt.Errorf("wait in-flight invocations: %w", ctx.Err())
		}
	}

	r.torn = true
	var errs []error
	for _, id := range r.Modules() {
		c, ok := r.modules[id].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) invoke(ctx context.Context, id, command string) Outcome {
	h, ok := r.modules[id]
	if !ok {
		r.logger.Debug("unknown module", "module", id)
		return Outcome{Module: id, Command: command, Fault: &Fault{
			Kind:    FaultUnknownModule,
			Module:  id,
			Message: "module not found",
			Err:     errUnknownModule,
		}}
	}
	result, err := r.call(ctx, id, h, command)
	if err != nil {
		f := classify(id, err)
		r.logger.Warn("module failed", "module", id, "kind", f.Kind, "err", f.Message)
		return Outcome{Module: id, Command: command, Fault: f}
	}
	return Outcome{Module: id, Command: command, Result: result}
}

func (r *Registry) call(ctx context.Context, id string, h Handler, command string) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("module panicked", "module", id, "panic", p)
			result, err = "", fmt.Errorf("%w: %v", errHandlerPanic, p)
		}
	}()
	return h.Execute(ctx, command)
}

func classify(id string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: FaultHandlerFailure, Module: id, Message: err.Error(), Err: err}
}

func unavailable(id, command string, st State) Outcome {
	return Outcome{Module: id, Command: command, Fault: &Fault{
		Kind:    FaultUnavailable,
		Module:  id,
		Message: "registry is " + st.String(),
		Err:     errNotServing,
	}}
}
