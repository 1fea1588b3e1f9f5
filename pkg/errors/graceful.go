package errors

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/migadu/dbrouter/logger"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitConfig  = 2
)

// GracefulError is a failure that ends the process after a clean shutdown.
type GracefulError struct {
	Operation string
	Code      int
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Code:      ExitRuntime,
		Err:       err,
	}
}

// ErrorHandler collects fatal errors and hands out the exit code of the
// first one.
type ErrorHandler struct {
	exitChannel chan int

	mu   sync.Mutex
	errs *multierror.Error
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
	}
}

func (eh *ErrorHandler) record(gerr *GracefulError) {
	eh.mu.Lock()
	eh.errs = multierror.Append(eh.errs, gerr)
	eh.mu.Unlock()

	select {
	case eh.exitChannel <- gerr.Code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	gerr := NewGracefulError(operation, err)
	logger.Error("Fatal error", "component", "MAIN", "operation", operation, "error", err)
	eh.record(gerr)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "component", "MAIN", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "component", "MAIN", "path", configPath, "error", err)
	}
	eh.record(&GracefulError{Operation: "load config", Code: ExitConfig, Err: err})
}

func (eh *ErrorHandler) ValidationError(err error) {
	logger.Error("Invalid configuration", "component", "MAIN", "error", err)
	eh.record(&GracefulError{Operation: "validate config", Code: ExitConfig, Err: err})
}

// Err returns every recorded error, or nil.
func (eh *ErrorHandler) Err() error {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.errs.ErrorOrNil()
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return ExitOK, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated", "component", "MAIN")
	default:
		logger.Warn("Unexpected shutdown", "component", "MAIN")
	}
}
