package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/protocol"
)

//go:embed bootstrap.js
var bootstrapSource string

// Config controls one realm.
type Config struct {
	Channel     string
	InstanceID  string
	Source      string
	ExecTimeout time.Duration
}

const outboundBuffer = 256

// Realm is one isolated JavaScript execution context. A dedicated
// goroutine owns the goja VM; the host talks to it only through
// Deliver and the Outbound channel, so no memory is shared across
// the boundary.
type Realm struct {
	cfg Config
	log *logging.Logger

	inbox    chan []byte
	outbound chan []byte
	stop     chan struct{}
	done     chan struct{}

	vmMu sync.Mutex
	vm   *goja.Runtime

	closeOnce sync.Once
}

// New starts a realm: the VM goroutine evaluates the bootstrap (which in
// turn evaluates the extension source) and then serves deliveries until
// Close. Activation outcome surfaces as a ready or error event on Outbound.
func New(cfg Config, log *logging.Logger) (*Realm, error) {
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("extension source is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = protocol.Channel
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}

	r := &Realm{
		cfg:      cfg,
		log:      log.Named("realm").With(zap.String("instance_id", cfg.InstanceID)),
		inbox:    make(chan []byte, 64),
		outbound: make(chan []byte, outboundBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	go r.run()

	return r, nil
}

// Outbound streams envelopes the sandbox side emits.
func (r *Realm) Outbound() <-chan []byte {
	return r.outbound
}

// Deliver hands a raw envelope to the realm for processing on the VM
// goroutine. It fails once the realm is closed.
func (r *Realm) Deliver(raw []byte) error {
	select {
	case <-r.stop:
		return fmt.Errorf("realm closed")
	default:
	}
	select {
	case r.inbox <- raw:
		return nil
	case <-r.stop:
		return fmt.Errorf("realm closed")
	}
}

// Close tears the realm down, interrupting any running script. Idempotent.
func (r *Realm) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		r.vmMu.Lock()
		if r.vm != nil {
			r.vm.Interrupt("realm closed")
		}
		r.vmMu.Unlock()
	})
	<-r.done
	return nil
}

func (r *Realm) run() {
	defer close(r.done)
	defer close(r.outbound)

	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	r.vmMu.Lock()
	r.vm = vm
	stopped := false
	select {
	case <-r.stop:
		stopped = true
	default:
	}
	r.vmMu.Unlock()
	if stopped {
		return
	}

	if err := r.setupGlobals(vm); err != nil {
		r.emitError(fmt.Sprintf("sandbox setup failed: %v", err))
		return
	}

	// Bootstrap evaluates the extension source and reports activation
	// outcome itself; a failure here means the bootstrap could not even
	// start, which is a host bug or an interrupt.
	err := r.withWatchdog(vm, func() error {
		_, runErr := vm.RunString(bootstrapSource)
		return runErr
	})
	if err != nil {
		r.emitError(fmt.Sprintf("bootstrap failed: %v", err))
		return
	}

	deliver, ok := goja.AssertFunction(vm.Get("__piDeliver"))
	if !ok {
		r.emitError("bootstrap did not install a message handler")
		return
	}

	for {
		select {
		case <-r.stop:
			return
		case raw := <-r.inbox:
			err := r.withWatchdog(vm, func() error {
				_, callErr := deliver(goja.Undefined(), vm.ToValue(string(raw)))
				return callErr
			})
			if err != nil {
				select {
				case <-r.stop:
					return
				default:
				}
				r.log.Warn("delivery execution failed", zap.Error(err))
			}
		}
	}
}

// withWatchdog interrupts the VM if fn runs past the exec timeout.
// Promise reaction jobs drain before the call returns, so the timeout
// covers continuations scheduled by the delivery too.
func (r *Realm) withWatchdog(vm *goja.Runtime, fn func() error) error {
	timer := time.AfterFunc(r.cfg.ExecTimeout, func() {
		vm.Interrupt("execution timeout exceeded")
	})
	err := fn()
	timer.Stop()
	vm.ClearInterrupt()
	return err
}

func (r *Realm) setupGlobals(vm *goja.Runtime) error {
	// Remove dangerous globals
	vm.Set("require", goja.Undefined())
	vm.Set("process", goja.Undefined())
	vm.Set("module", goja.Undefined())
	vm.Set("exports", goja.Undefined())

	console := vm.NewObject()
	console.Set("log", r.makeConsoleFunc("info"))
	console.Set("info", r.makeConsoleFunc("info"))
	console.Set("warn", r.makeConsoleFunc("warn"))
	console.Set("error", r.makeConsoleFunc("error"))
	if err := vm.Set("console", console); err != nil {
		return err
	}

	// Timers are no-ops: realm work is driven entirely by deliveries.
	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })
	vm.Set("setInterval", func(call goja.FunctionCall) goja.Value { return goja.Undefined() })

	vm.Set("__piPost", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		raw := []byte(call.Arguments[0].String())
		select {
		case r.outbound <- raw:
		default:
			r.log.Warn("outbound buffer full, dropping envelope")
		}
		return goja.Undefined()
	})

	cfgObj := vm.NewObject()
	cfgObj.Set("channel", r.cfg.Channel)
	cfgObj.Set("instanceId", r.cfg.InstanceID)
	cfgObj.Set("source", r.cfg.Source)
	return vm.Set("__piConfig", cfgObj)
}

func (r *Realm) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}
		switch level {
		case "warn":
			r.log.Warn(msg, zap.String("source", "console"))
		case "error":
			r.log.Error(msg, zap.String("source", "console"))
		default:
			r.log.Info(msg, zap.String("source", "console"))
		}
		return goja.Undefined()
	}
}

// emitError pushes a synthetic error event so the host learns about
// failures the bootstrap could not report itself.
func (r *Realm) emitError(message string) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return
	}
	env := protocol.NewEvent(r.cfg.InstanceID, protocol.SandboxToHost, "error", data)
	raw, err := protocol.Encode(env)
	if err != nil {
		return
	}
	select {
	case r.outbound <- raw:
	default:
	}
}
