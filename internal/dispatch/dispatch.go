// Package dispatch sends instructions to agent daemons.
//
// Dispatch is non-blocking: it returns a Handle that completes with exactly
// one Result. Instructions for agents the fleet snapshot marks ineligible
// fail immediately without touching the network.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openbach-stack/conductor/internal/config"
	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/logging"
	"github.com/openbach-stack/conductor/internal/types"
)

// ResultKind classifies a dispatch outcome.
type ResultKind string

const (
	ResultSuccess          ResultKind = "success"
	ResultAgentUnreachable ResultKind = "agent_unreachable"
	ResultRemoteError      ResultKind = "remote_error"
)

// Result is the terminal outcome of one dispatch.
type Result struct {
	Kind   ResultKind
	Agent  types.Agent
	Output any

	// Code and Message describe a RemoteError, or the connection failure.
	Code    string
	Message string

	// FailFast is set when the agent was refused from the fleet snapshot
	// and no connection was attempted.
	FailFast bool
}

// OK returns true on success.
func (r Result) OK() bool { return r.Kind == ResultSuccess }

// Err converts a failed result into a coded error, nil on success.
func (r Result) Err() error {
	switch r.Kind {
	case ResultAgentUnreachable:
		return cerrors.AgentUnreachable(r.Agent.Address, errors.New(r.Message))
	case ResultRemoteError:
		return cerrors.RemoteError(r.Agent.Address, r.Code, r.Message)
	}
	return nil
}

// Handle tracks one in-flight dispatch.
type Handle struct {
	done   chan struct{}
	result Result
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It must only be called after Done is closed.
func (h *Handle) Result() Result { return h.result }

// Wait blocks until the dispatch completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Completed returns a handle that already holds r.
func Completed(r Result) *Handle {
	h := &Handle{done: make(chan struct{}), result: r}
	close(h.done)
	return h
}

// Async runs fn in the background and returns a handle for its result.
func Async(fn func() Result) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result = fn()
	}()
	return h
}

// Dispatcher resolves agents against the fleet snapshot and sends
// instructions through a Transport.
type Dispatcher struct {
	transport   Transport
	defaultPort int
	logger      *slog.Logger

	mu    sync.RWMutex
	fleet map[string]types.Agent
}

// New creates a dispatcher from agent configuration.
func New(cfg config.AgentsConfig, transport Transport, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		transport = &TCPTransport{
			DialTimeout: cfg.DialTimeout,
			CallTimeout: cfg.CallTimeout,
			Attempts:    cfg.SendAttempts,
		}
	}
	d := &Dispatcher{
		transport:   transport,
		defaultPort: cfg.Port,
		logger:      logger.With("component", "dispatcher"),
		fleet:       make(map[string]types.Agent),
	}
	for _, e := range cfg.Fleet {
		d.SetAgent(types.Agent{Name: e.Name, Address: e.Address, Port: e.Port, Status: types.AgentStatus(e.Status)})
	}
	return d
}

// SetAgent records or replaces an agent in the fleet snapshot.
func (d *Dispatcher) SetAgent(a types.Agent) {
	d.mu.Lock()
	d.fleet[a.Address] = a
	d.mu.Unlock()
}

// Agent returns the fleet entry for address. Unknown addresses resolve to
// an agent of unknown status on the default port.
func (d *Dispatcher) Agent(address string) types.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if a, ok := d.fleet[address]; ok {
		return a
	}
	return types.Agent{Address: address}
}

// Dispatch sends instr to the agent at address in the background.
func (d *Dispatcher) Dispatch(ctx context.Context, address string, instr Instruction) *Handle {
	agent := d.Agent(address)
	logger := logging.WithAgent(d.logger, address).With("command", instr.Command)

	if !agent.Status.Eligible() {
		logger.Warn("agent not eligible for dispatch", "status", agent.Status)
		return Completed(Result{
			Kind:     ResultAgentUnreachable,
			Agent:    agent,
			Message:  fmt.Sprintf("agent status is %s", agent.Status),
			FailFast: true,
		})
	}

	return Async(func() Result {
		return d.send(ctx, agent, instr, logger)
	})
}

func (d *Dispatcher) send(ctx context.Context, agent types.Agent, instr Instruction, logger *slog.Logger) Result {
	logger.Debug("sending instruction")
	reply, err := d.transport.Send(ctx, agent.Endpoint(d.defaultPort), instr)
	if err != nil {
		var unreachable *UnreachableError
		if errors.As(err, &unreachable) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("agent unreachable", "error", err)
			return Result{Kind: ResultAgentUnreachable, Agent: agent, Message: err.Error()}
		}
		if errors.Is(err, context.Canceled) {
			return Result{Kind: ResultAgentUnreachable, Agent: agent, Message: "dispatch cancelled"}
		}
		logger.Error("dispatch failed", "error", err)
		return Result{Kind: ResultRemoteError, Agent: agent, Code: "transport", Message: err.Error()}
	}

	if reply.Status != StatusOK {
		code := reply.Code
		if code == "" {
			code = reply.Status
		}
		msg := reply.Error
		if msg == "" {
			msg = fmt.Sprintf("agent answered %s: %v", reply.Status, reply.Result)
		}
		logger.Warn("agent reported an error", "code", code, "message", msg)
		return Result{Kind: ResultRemoteError, Agent: agent, Code: code, Message: msg, Output: reply.Result}
	}

	logger.Debug("instruction acknowledged")
	return Result{Kind: ResultSuccess, Agent: agent, Output: reply.Result}
}

// Target is one instruction addressed to one agent.
type Target struct {
	Address     string
	Instruction Instruction
}

// DispatchAll sends every target concurrently and waits for all results,
// returned in target order.
func (d *Dispatcher) DispatchAll(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			r, err := d.Dispatch(ctx, t.Address, t.Instruction).Wait(ctx)
			if err != nil {
				r = Result{Kind: ResultAgentUnreachable, Agent: d.Agent(t.Address), Message: err.Error()}
			}
			results[i] = r
			return nil
		})
	}
	g.Wait()
	return results
}

// CmdCheckConnection asks an agent daemon whether it is alive.
const CmdCheckConnection = "check_connection"

// CheckConnections contacts every address concurrently, one result per address
// in order. The fleet status is not consulted: a check is how a refused agent
// is found to be back.
func (d *Dispatcher) CheckConnections(ctx context.Context, addresses []string) []Result {
	results := make([]Result, len(addresses))
	var g errgroup.Group
	for i, address := range addresses {
		g.Go(func() error {
			logger := logging.WithAgent(d.logger, address).With("command", CmdCheckConnection)
			results[i] = d.send(ctx, d.Agent(address), Instruction{Command: CmdCheckConnection, Arguments: map[string]any{}}, logger)
			return nil
		})
	}
	g.Wait()
	return results
}

// Fleet returns the agents of the fleet snapshot sorted by address.
func (d *Dispatcher) Fleet() []types.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Agent, 0, len(d.fleet))
	for _, a := range d.fleet {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Fold reduces several results to one: the first remote error wins, then the
// first unreachable agent, otherwise success with every output in order.
func Fold(results []Result) Result {
	for _, r := range results {
		if r.Kind == ResultRemoteError {
			return r
		}
	}
	for _, r := range results {
		if r.Kind == ResultAgentUnreachable {
			return r
		}
	}
	outputs := make([]any, len(results))
	for i, r := range results {
		outputs[i] = r.Output
	}
	out := Result{Kind: ResultSuccess, Output: outputs}
	if len(results) == 1 {
		out = results[0]
	}
	return out
}
