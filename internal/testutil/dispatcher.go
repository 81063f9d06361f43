package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/openbach-stack/conductor/internal/dispatch"
	"github.com/openbach-stack/conductor/internal/types"
)

// Call is one instruction received by a ScriptedDispatcher.
type Call struct {
	Address     string
	Instruction dispatch.Instruction
	At          time.Time
}

type scriptKey struct {
	address string
	command string
}

// ScriptedDispatcher answers instructions from per-agent scripts without any
// network. Unscripted instructions succeed. When a script runs out its last
// result repeats.
type ScriptedDispatcher struct {
	mu      sync.Mutex
	scripts map[scriptKey][]dispatch.Result
	hangs   map[scriptKey]bool
	calls   []Call
}

// NewScriptedDispatcher creates an empty dispatcher.
func NewScriptedDispatcher() *ScriptedDispatcher {
	return &ScriptedDispatcher{
		scripts: make(map[scriptKey][]dispatch.Result),
		hangs:   make(map[scriptKey]bool),
	}
}

// On queues results for command sent to address.
func (d *ScriptedDispatcher) On(address, command string, results ...dispatch.Result) *ScriptedDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := scriptKey{address, command}
	d.scripts[k] = append(d.scripts[k], results...)
	return d
}

// Hang makes command sent to address block until its context is done.
func (d *ScriptedDispatcher) Hang(address, command string) *ScriptedDispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangs[scriptKey{address, command}] = true
	return d
}

// Success is a successful result carrying output.
func Success(output any) dispatch.Result {
	return dispatch.Result{Kind: dispatch.ResultSuccess, Output: output}
}

// Unreachable is a connection failure. failFast marks a fleet refusal.
func Unreachable(failFast bool) dispatch.Result {
	return dispatch.Result{Kind: dispatch.ResultAgentUnreachable, Message: "connection refused", FailFast: failFast}
}

// Remote is an error answered by the agent.
func Remote(code, message string) dispatch.Result {
	return dispatch.Result{Kind: dispatch.ResultRemoteError, Code: code, Message: message}
}

// Dispatch implements executor.Dispatcher.
func (d *ScriptedDispatcher) Dispatch(ctx context.Context, address string, instr dispatch.Instruction) *dispatch.Handle {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Address: address, Instruction: instr, At: time.Now()})
	k := scriptKey{address, instr.Command}
	hang := d.hangs[k]
	r := Success(nil)
	if queue := d.scripts[k]; len(queue) > 0 {
		r = queue[0]
		if len(queue) > 1 {
			d.scripts[k] = queue[1:]
		}
	}
	d.mu.Unlock()

	r.Agent = types.Agent{Address: address, Status: types.AgentAvailable}
	if !hang {
		return dispatch.Completed(r)
	}
	return dispatch.Async(func() dispatch.Result {
		<-ctx.Done()
		return dispatch.Result{Kind: dispatch.ResultAgentUnreachable, Agent: r.Agent, Message: ctx.Err().Error()}
	})
}

// DispatchAll implements executor.Dispatcher.
func (d *ScriptedDispatcher) DispatchAll(ctx context.Context, targets []dispatch.Target) []dispatch.Result {
	results := make([]dispatch.Result, len(targets))
	for i, t := range targets {
		r, err := d.Dispatch(ctx, t.Address, t.Instruction).Wait(ctx)
		if err != nil {
			r = dispatch.Result{Kind: dispatch.ResultAgentUnreachable, Message: err.Error()}
		}
		results[i] = r
	}
	return results
}

// Calls returns every instruction received so far.
func (d *ScriptedDispatcher) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsFor returns the instructions of one command, in arrival order.
func (d *ScriptedDispatcher) CallsFor(command string) []Call {
	var out []Call
	for _, c := range d.Calls() {
		if c.Instruction.Command == command {
			out = append(out, c)
		}
	}
	return out
}
