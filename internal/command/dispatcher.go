package command

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"blazekv/internal/storage"
	"blazekv/internal/storage/persistence"
)

// Middleware hooks into the dispatch pipeline. BeforeExecute may
// short-circuit by returning a non-nil response; AfterExecute observes the
// outcome and how long execution took.
type Middleware interface {
	BeforeExecute(cmd Command) *Response
	AfterExecute(cmd Command, resp *Response, elapsed time.Duration)
}

// Persister is the slice of the persistence manager the dispatcher needs:
// submit an operation to the log before the engine is mutated.
type Persister interface {
	LogOperation(op persistence.Operation) error
}

// Dispatcher validates commands, runs middleware, enforces
// log-before-execute for mutations and applies commands to the engine.
type Dispatcher struct {
	engine     storage.Engine
	persist    Persister
	middleware []Middleware
	logger     *zap.Logger
}

// NewDispatcher builds a dispatcher. persist may be nil when persistence is
// disabled; logger may be nil.
func NewDispatcher(engine storage.Engine, persist Persister, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{engine: engine, persist: persist, logger: logger}
}

// Use appends mw to the chain. Middleware runs in insertion order on both
// sides of execution.
func (d *Dispatcher) Use(mw Middleware) {
	d.middleware = append(d.middleware, mw)
}

// Execute runs one command through the full pipeline.
//
// Order matters: validation first (no side effect on failure), then
// middleware, then the log write, then the engine mutation. A failed log
// submission leaves the engine untouched.
func (d *Dispatcher) Execute(cmd Command) Response {
	if err := cmd.Validate(); err != nil {
		return ErrorResponse(err.Error())
	}

	for _, mw := range d.middleware {
		if resp := mw.BeforeExecute(cmd); resp != nil {
			return *resp
		}
	}

	if !cmd.ReadOnly() && d.persist != nil {
		if err := d.logMutation(cmd); err != nil {
			if errors.Is(err, storage.ErrMemoryExceeded) {
				return ErrorResponse(err.Error())
			}
			d.logger.Error("log submission failed",
				zap.String("command", cmd.Name()), zap.Error(err))
			return ErrorResponse("Persistence error: " + err.Error())
		}
	}

	start := time.Now()
	resp := cmd.Execute(d.engine)
	elapsed := time.Since(start)

	for _, mw := range d.middleware {
		mw.AfterExecute(cmd, &resp, elapsed)
	}
	return resp
}

// ExecuteBatch runs commands sequentially in submission order. Responses
// line up by index; there is no atomicity across the batch.
func (d *Dispatcher) ExecuteBatch(cmds []Command) []Response {
	responses := make([]Response, 0, len(cmds))
	for _, cmd := range cmds {
		responses = append(responses, d.Execute(cmd))
	}
	return responses
}

// logMutation maps a mutating command to its log operation. A set that the
// engine would reject on admission is bounced here instead, so the log
// never records it.
func (d *Dispatcher) logMutation(cmd Command) error {
	switch c := cmd.(type) {
	case *Set:
		if err := d.engine.CheckAdmission(c.Key, c.Value); err != nil {
			return err
		}
		return d.persist.LogOperation(persistence.Put(c.Key, c.Value))
	case *Delete:
		return d.persist.LogOperation(persistence.Delete(c.Key))
	default:
		return nil
	}
}
