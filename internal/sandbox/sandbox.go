// Package sandbox runs untrusted script fragments (spec §4.D) against a
// decoded message and a bounded read-only database handle. A fragment's
// source is a full function body; it returns either a (possibly mutated)
// msg value (mapper semantics) or a boolean (alert semantics) — this
// package is agnostic to which and simply reports the outcome.
//
// No library in the retrieval pack runs an embedded, host-trusted
// scripting language against live data the way this component must; goja
// is the one embeddable ECMAScript VM referenced anywhere in the pack
// (several manifests, including a sibling "sandboxed script evaluation
// against a data layer" service), and its Interrupt() call is what gives
// this package a clean, prompt wall-time cap without OS-level process
// isolation.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// OutcomeKind classifies how a sandbox invocation ended (spec §4.D).
type OutcomeKind string

// Outcome kinds.
const (
	Ok           OutcomeKind = "ok"
	Skipped      OutcomeKind = "skipped"
	Timeout      OutcomeKind = "timeout"
	SandboxError OutcomeKind = "sandbox_error"
	SqlError     OutcomeKind = "sql_error"
)

// Outcome is the result of one sandbox invocation.
type Outcome struct {
	Kind    OutcomeKind
	Value   interface{}
	Message string
}

// DB is the bounded read-only query surface the sandbox exposes as
// `db.get`/`db.all`. internal/store.Store satisfies this interface.
type DB interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, bool, error)
	QueryAll(ctx context.Context, query string, maxRows int, args ...interface{}) ([]map[string]interface{}, error)
}

// Config bounds every sandbox invocation.
type Config struct {
	Timeout time.Duration
	MaxRows int
}

// DefaultConfig matches spec.md §4.D's stated defaults.
func DefaultConfig() Config {
	return Config{Timeout: 500 * time.Millisecond, MaxRows: 10000}
}

// Runtime evaluates script fragments against a DB handle.
type Runtime struct {
	db  DB
	cfg Config
}

// New builds a sandbox Runtime bound to db.
func New(db DB, cfg Config) *Runtime {
	return &Runtime{db: db, cfg: cfg}
}

// sqlErrMarker wraps a db.get/db.all failure so Run can distinguish a SQL
// error (outcome SqlError) from any other script exception (SandboxError).
type sqlErrMarker struct{ err error }

func (e sqlErrMarker) Error() string { return e.err.Error() }

// Run evaluates code as a full function body with msg bound in scope,
// returning the classified Outcome (spec §4.D). It never returns a Go
// error: every failure mode is represented in the returned Outcome so
// callers (mapper, alert) can treat all outcomes as non-fatal.
func (r *Runtime) Run(ctx context.Context, code string, msg map[string]interface{}) Outcome {
	if ctx.Err() != nil {
		return Outcome{Kind: Timeout, Message: "invocation cancelled"}
	}

	vm := goja.New()

	if err := vm.Set("msg", msg); err != nil {
		return Outcome{Kind: SandboxError, Message: err.Error()}
	}

	var sqlErr error
	dbObj := vm.NewObject()
	_ = dbObj.Set("get", func(call goja.FunctionCall) goja.Value {
		query := call.Argument(0).String()
		args := jsArgsToGo(call.Arguments[1:])
		row, ok, err := r.db.QueryRow(ctx, query, args...)
		if err != nil {
			sqlErr = err
			panic(vm.ToValue(err.Error()))
		}
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(row)
	})
	_ = dbObj.Set("all", func(call goja.FunctionCall) goja.Value {
		query := call.Argument(0).String()
		args := jsArgsToGo(call.Arguments[1:])
		rows, err := r.db.QueryAll(ctx, query, r.cfg.MaxRows, args...)
		if err != nil {
			sqlErr = err
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(rows)
	})
	if err := vm.Set("db", dbObj); err != nil {
		return Outcome{Kind: SandboxError, Message: err.Error()}
	}

	if err := vm.Set("now", func() int64 { return time.Now().UnixMilli() }); err != nil {
		return Outcome{Kind: SandboxError, Message: err.Error()}
	}

	timer := time.AfterFunc(r.cfg.Timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	wrapped := fmt.Sprintf("(function(){\n%s\n})()", code)

	resultCh := make(chan goja.Value, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("sandbox: panic: %v", rec)
			}
		}()
		v, err := vm.RunString(wrapped)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		return Outcome{Kind: Timeout, Message: "invocation cancelled"}
	case err := <-errCh:
		if sqlErr != nil {
			return Outcome{Kind: SqlError, Message: sqlErr.Error()}
		}
		if ie, ok := err.(*goja.InterruptedError); ok {
			_ = ie
			return Outcome{Kind: Timeout, Message: "wall-time cap exceeded"}
		}
		return Outcome{Kind: SandboxError, Message: err.Error()}
	case v := <-resultCh:
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return Outcome{Kind: Skipped}
		}
		return Outcome{Kind: Ok, Value: v.Export()}
	}
}

func jsArgsToGo(args []goja.Value) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}
