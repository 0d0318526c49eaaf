// Package sandbox runs tenant receive functions in an embedded JavaScript
// interpreter. A script sees the decoded payload, the received time and four
// device-scoped capabilities; it has no require, no console and no host
// access. Every run has a wall-clock budget.
package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/typekcz/loradataserver/internal/core/domain"
	"github.com/typekcz/loradataserver/internal/core/query"
)

// =============================================================================
// Errors
// =============================================================================

// ErrTimeout is returned when a script exceeds its time budget.
var ErrTimeout = errors.New("script timed out")

// Error is a failed script run: an exception, a syntax error or a timeout.
type Error struct {
	DevEUI string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("receive function of %s: %v", e.DevEUI, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every Error match domain.ErrSandbox.
func (e *Error) Is(target error) bool {
	return target == domain.ErrSandbox
}

// =============================================================================
// Capabilities
// =============================================================================

// Capabilities is everything a script can do. Implementations are bound to
// one device and its application.
type Capabilities interface {
	InsertIntoDataset(ctx context.Context, table string, row map[string]any) error
	QueryOwnSchema(ctx context.Context, sqlText string) (*query.Result, error)
	SetLocation(ctx context.Context, latitude, longitude float64) error
	// SendDownlink queues base64 data for the device.
	SendDownlink(ctx context.Context, data string, confirmed bool) error
}

// Input is one script invocation.
type Input struct {
	DevEUI       string
	Script       string
	Data         string
	ReceivedTime *time.Time
}

// =============================================================================
// Executor
// =============================================================================

// Config holds executor settings.
type Config struct {
	// Timeout is the wall-clock budget of one run.
	Timeout time.Duration

	// MaxCallStackSize bounds recursion depth.
	MaxCallStackSize int

	// ProgramCacheSize is the number of compiled scripts kept.
	ProgramCacheSize int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:          time.Second,
		MaxCallStackSize: 1024,
		ProgramCacheSize: 256,
	}
}

// Executor runs scripts. It is safe for concurrent use; each run gets its own
// runtime.
type Executor struct {
	config   Config
	programs *lru.Cache[[32]byte, *goja.Program]
	logger   *slog.Logger
}

// New creates an Executor. Zero config fields take their defaults.
func New(config Config, logger *slog.Logger) *Executor {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxCallStackSize <= 0 {
		config.MaxCallStackSize = defaults.MaxCallStackSize
	}
	if config.ProgramCacheSize <= 0 {
		config.ProgramCacheSize = defaults.ProgramCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	programs, _ := lru.New[[32]byte, *goja.Program](config.ProgramCacheSize)
	return &Executor{
		config:   config,
		programs: programs,
		logger:   logger.With("component", "sandbox"),
	}
}

// Timeout returns the per-run budget.
func (e *Executor) Timeout() time.Duration {
	return e.config.Timeout
}

// Run executes a script. It returns as soon as the script finishes, throws or
// runs out of time; a timed-out script is interrupted and its capability
// context cancelled, but calls it already completed are not undone.
func (e *Executor) Run(ctx context.Context, in Input, caps Capabilities) error {
	program, err := e.compile(in.Script)
	if err != nil {
		return &Error{DevEUI: in.DevEUI, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	vm := goja.New()
	vm.SetMaxCallStackSize(e.config.MaxCallStackSize)
	if err := install(runCtx, vm, in, caps); err != nil {
		return &Error{DevEUI: in.DevEUI, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panic: %v", r)
			}
		}()
		_, err := vm.RunProgram(program)
		done <- err
	}()

	timer := time.NewTimer(e.config.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return &Error{DevEUI: in.DevEUI, Err: scriptError(err)}
		}
		return nil
	case <-timer.C:
		vm.Interrupt(ErrTimeout)
		e.logger.Warn("script interrupted", "dev_eui", in.DevEUI, "timeout", e.config.Timeout)
		return &Error{DevEUI: in.DevEUI, Err: ErrTimeout}
	case <-ctx.Done():
		vm.Interrupt(ctx.Err())
		return &Error{DevEUI: in.DevEUI, Err: ctx.Err()}
	}
}

func (e *Executor) compile(script string) (*goja.Program, error) {
	key := sha256.Sum256([]byte(script))
	if p, ok := e.programs.Get(key); ok {
		return p, nil
	}
	p, err := goja.Compile("receiveFunction", script, false)
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, p)
	return p, nil
}

// scriptError unwraps an interrupt into its cause.
func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	return err
}
