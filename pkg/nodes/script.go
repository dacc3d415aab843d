package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// Script runs a JavaScript program as a node. The program sees these
// globals:
//
//	push(v)          emit v on the node's stream
//	pull(name)       next value of the stream passed as input name, null at end
//	setHeader(obj)   attach a header before the first push
//	inputs           every input that is not a stream handle
//	log(args...)     write to the node logger
//
// A thrown error or a syntax error fails the node. Cancelling the driver
// interrupts the running program.
func Script(name, src string) driver.Node {
	return driver.Node{
		Name: name,
		Run: func(ctx context.Context, y *driver.Yielder) error {
			prog, err := goja.Compile(name+".js", src, false)
			if err != nil {
				return ParseScriptError(err)
			}
			logger, err := y.Logger()
			if err != nil {
				return err
			}

			s := &script{y: y, vm: goja.New(), logger: logger}
			if err := s.install(); err != nil {
				return err
			}
			stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ctx.Err()) })
			defer stop()

			_, err = s.vm.RunProgram(prog)
			if s.failure != nil {
				// a driver error surfaced through a script call
				return s.failure
			}
			if err != nil {
				return ParseScriptError(err)
			}
			return nil
		},
	}
}

type script struct {
	y       *driver.Yielder
	vm      *goja.Runtime
	logger  *zap.Logger
	failure error
}

func (s *script) install() error {
	inputs := map[string]interface{}{}
	for k, v := range s.y.Inputs() {
		if _, ok := v.(stream.Handle); !ok {
			inputs[k] = v
		}
	}

	globals := map[string]interface{}{
		"inputs":    inputs,
		"push":      s.push,
		"pull":      s.pull,
		"setHeader": s.setHeader,
		"log":       s.log,
	}
	for k, v := range globals {
		if err := s.vm.Set(k, v); err != nil {
			return fmt.Errorf("failed to set script global %s: %w", k, err)
		}
	}
	return nil
}

// fail records err and throws it into the program.
func (s *script) fail(err error) {
	if s.failure == nil {
		s.failure = err
	}
	panic(s.vm.NewGoError(err))
}

func (s *script) push(call goja.FunctionCall) goja.Value {
	if err := s.y.Push(call.Argument(0).Export()); err != nil {
		s.fail(err)
	}
	return goja.Undefined()
}

func (s *script) pull(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	h, err := handleInput(s.y, name)
	if err != nil {
		panic(s.vm.NewTypeError(err.Error()))
	}
	e, ok, err := s.y.PullEnumerated(h)
	if err != nil {
		s.fail(err)
	}
	if !ok {
		return goja.Null()
	}
	return s.vm.ToValue(e.Value)
}

func (s *script) setHeader(call goja.FunctionCall) goja.Value {
	header, ok := call.Argument(0).Export().(map[string]interface{})
	if !ok {
		panic(s.vm.NewTypeError("setHeader expects an object"))
	}
	if err := s.y.SetHeader(stream.Header(header)); err != nil {
		s.fail(err)
	}
	return goja.Undefined()
}

func (s *script) log(call goja.FunctionCall) goja.Value {
	args := make([]interface{}, len(call.Arguments))
	for i, arg := range call.Arguments {
		args[i] = arg.Export()
	}
	s.logger.Info("Script log", zap.String("message", fmt.Sprint(args...)))
	return goja.Undefined()
}

// ScriptErrorType classifies script failures.
type ScriptErrorType string

const (
	ScriptSyntax      ScriptErrorType = "syntax_error"
	ScriptRuntime     ScriptErrorType = "runtime_error"
	ScriptInterrupted ScriptErrorType = "interrupted"
)

// ScriptError is a failed script run.
type ScriptError struct {
	Type    ScriptErrorType
	Message string
	Stack   string
	Err     error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// ParseScriptError converts a goja error into a ScriptError.
func ParseScriptError(err error) error {
	var (
		syntax    *goja.CompilerSyntaxError
		interrupt *goja.InterruptedError
		exc       *goja.Exception
	)
	switch {
	case errors.As(err, &syntax):
		return &ScriptError{Type: ScriptSyntax, Message: syntax.Error(), Err: err}
	case errors.As(err, &interrupt):
		se := &ScriptError{Type: ScriptInterrupted, Message: interrupt.String(), Err: err}
		if cause, ok := interrupt.Value().(error); ok {
			se.Err = cause
		}
		return se
	case errors.As(err, &exc):
		return &ScriptError{Type: ScriptRuntime, Message: exc.Error(), Stack: exc.String(), Err: err}
	default:
		return &ScriptError{Type: ScriptRuntime, Message: err.Error(), Err: err}
	}
}
