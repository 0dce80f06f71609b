package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/execution/frame"
	"github.com/lambda-feedback/sandcastle/internal/execution/script"
)

// session runs one request on one connection.
type session struct {
	conn   net.Conn
	reader *frame.Reader
	config Config

	mu sync.Mutex
	vm *goja.Runtime

	stringify goja.Callable
	exited    bool
	taskID    int

	log *zap.Logger
}

func newSession(conn net.Conn, config Config, log *zap.Logger) *session {
	return &session{
		conn:   conn,
		reader: frame.NewReader(conn),
		config: config,
		log:    log,
	}
}

func (s *session) interrupt(reason error) {
	s.mu.Lock()
	vm := s.vm
	s.mu.Unlock()

	if vm != nil {
		vm.Interrupt(reason)
	}

	s.conn.Close()
}

func (s *session) run() error {
	req, err := s.readRequest()
	if err != nil {
		return err
	}

	method := req.MethodName
	if method == "" {
		method = script.DefaultMethod
	}

	s.log.Debug("running script", zap.String("method", method))

	if err := s.setup(req); err != nil {
		return s.fail(err)
	}

	exports := s.vm.Get("exports").ToObject(s.vm)

	if err := s.eval("api.js", req.SourceAPI); err != nil {
		return s.fail(err)
	}

	if err := s.eval("script.js", req.Source); err != nil {
		return s.fail(err)
	}

	// the script may have replaced the exports object
	if v := s.vm.Get("exports"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		exports = v.ToObject(s.vm)
	}

	fn, ok := goja.AssertFunction(exports.Get(method))
	if !ok {
		return s.fail(fmt.Errorf("%w: %s", ErrMethodNotFound, method))
	}

	if _, err := fn(goja.Undefined()); err != nil {
		return s.fail(err)
	}

	if s.exited {
		return nil
	}

	// the script returned without calling exit, keep the connection
	// open until the host hangs up
	for {
		if _, err := s.reader.Next(); err != nil {
			return nil
		}
	}
}

func (s *session) readRequest() (script.Request, error) {
	var req script.Request

	f, err := s.reader.Next()
	if err != nil {
		return req, fmt.Errorf("failed to read request: %w", err)
	}

	if f.Kind != frame.KindExit {
		return req, fmt.Errorf("unexpected %s frame before request", f.Kind)
	}

	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return req, fmt.Errorf("failed to decode request: %w", err)
	}

	return req, nil
}

func (s *session) setup(req script.Request) error {
	vm := goja.New()
	vm.SetMaxCallStackSize(s.config.MaxCallStackSize)

	s.mu.Lock()
	s.vm = vm
	s.mu.Unlock()

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return errors.New("JSON.stringify is not available")
	}
	s.stringify = stringify

	// no module system or host access inside the sandbox
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())

	vm.Set("exports", vm.NewObject())
	vm.Set("exit", s.exit)
	vm.Set("runTask", s.runTask)

	if s.config.ExposeGC {
		vm.Set("gc", func() {
			runtime.GC()
		})
	}

	if req.Globals == "" {
		return nil
	}

	var globals map[string]any
	if err := json.Unmarshal([]byte(req.Globals), &globals); err != nil {
		return fmt.Errorf("failed to decode globals: %w", err)
	}

	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("failed to bind global %q: %w", name, err)
		}
	}

	return nil
}

func (s *session) eval(name, src string) error {
	if src == "" {
		return nil
	}

	prg, err := goja.Compile(name, src, s.config.UseStrict)
	if err != nil {
		return err
	}

	_, err = s.vm.RunProgram(prg)
	return err
}

// exit is the script's exit(value) function.
func (s *session) exit(call goja.FunctionCall) goja.Value {
	if s.exited {
		return goja.Undefined()
	}

	payload, err := s.encode(call.Argument(0))
	if err != nil {
		panic(s.vm.NewGoError(err))
	}

	s.exited = true

	if _, err := s.conn.Write(frame.Frame{Kind: frame.KindExit, Payload: payload}.Bytes()); err != nil {
		s.log.Debug("failed to write result", zap.Error(err))
	}

	// unwind the script, nothing may run after exit
	s.vm.Interrupt(errExited)

	return goja.Undefined()
}

// runTask is the script's runTask(name, options, callback) function. It
// blocks until the host answered the task. The answer data is passed to
// the callback, if any, and returned.
func (s *session) runTask(call goja.FunctionCall) goja.Value {
	s.taskID++

	task := s.vm.NewObject()
	task.Set("id", s.taskID)
	task.Set("name", call.Argument(0))

	msg := s.vm.NewObject()
	msg.Set("task", task)

	options := call.Argument(1)
	if goja.IsUndefined(options) || goja.IsNull(options) {
		options = s.vm.NewObject()
	}
	msg.Set("options", options)

	payload, err := s.encode(msg)
	if err != nil {
		panic(s.vm.NewGoError(err))
	}

	if _, err := s.conn.Write(frame.Frame{Kind: frame.KindTask, Payload: payload}.Bytes()); err != nil {
		panic(s.vm.NewGoError(fmt.Errorf("failed to write task: %w", err)))
	}

	f, err := s.reader.Next()
	if err != nil {
		panic(s.vm.NewGoError(fmt.Errorf("failed to read answer: %w", err)))
	}

	var ans struct {
		Task struct {
			ID int `json:"id"`
		} `json:"task"`
		Data any `json:"data"`
	}
	if err := json.Unmarshal(f.Payload, &ans); err != nil {
		panic(s.vm.NewGoError(fmt.Errorf("failed to decode answer: %w", err)))
	}

	if ans.Task.ID != s.taskID {
		panic(s.vm.NewGoError(fmt.Errorf("answer for task %d, expected %d", ans.Task.ID, s.taskID)))
	}

	data := s.vm.ToValue(ans.Data)

	if callback, ok := goja.AssertFunction(call.Argument(2)); ok {
		if _, err := callback(goja.Undefined(), data); err != nil {
			s.rethrow(err)
		}
	}

	return data
}

// rethrow propagates an error raised by a nested call into the script.
func (s *session) rethrow(err error) {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		// keep unwinding after exit was called from a callback
		s.vm.Interrupt(interrupted.Value())
		return
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		panic(exception.Value())
	}

	panic(s.vm.NewGoError(err))
}

// encode serializes v the way JSON.stringify does. Values without a JSON
// representation are sent as the undefined marker.
func (s *session) encode(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) {
		return []byte(frame.Undefined), nil
	}

	out, err := s.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}

	if goja.IsUndefined(out) {
		return []byte(frame.Undefined), nil
	}

	return []byte(out.String()), nil
}

// fail reports err to the host as the script's result, unless the script
// already exited.
func (s *session) fail(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == errExited {
			return nil
		}
		return err
	}

	if s.exited {
		return err
	}

	s.exited = true

	payload, encErr := json.Marshal(map[string]any{"error": errorPayload(err)})
	if encErr != nil {
		return encErr
	}

	if _, werr := s.conn.Write(frame.Frame{Kind: frame.KindExit, Payload: payload}.Bytes()); werr != nil {
		return werr
	}

	return err
}

func errorPayload(err error) frame.ScriptError {
	var exception *goja.Exception
	if !errors.As(err, &exception) {
		return frame.ScriptError{Message: err.Error()}
	}

	out := frame.ScriptError{
		Message: exception.Error(),
		Stack:   exception.String(),
	}

	if obj, ok := exception.Value().(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			out.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			out.Stack = stack.String()
		}
	}

	return out
}
