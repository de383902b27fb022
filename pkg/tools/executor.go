// Package tools implements the closed dispatch table the inference loop and
// the MCP surface call into. Every tool is declared with a JSON schema,
// checked against the caller's role and the owning session's write policy,
// and returns a structured payload the model can observe. Tool failures
// never abort the loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/trace"
)

// Restricted tools are never exposed over MCP, regardless of role. The set
// also covers integrations the kernel proxies for (secrets, speech, web,
// system execution); their names are reserved here even where the kernel
// does not implement them itself.
var Restricted = map[string]struct{}{
	"get_secret":          {},
	"manage_agents":       {},
	"execute_system":      {},
	"speak":               {},
	"inject_user_message": {},
	"write_file":          {},
	"web_fetch":           {},
	"web_search":          {},
	"web_post":            {},
	"list_tests":          {},
	"symbol_transaction":  {},
}

// AdminOnly tools are hidden from non-admin MCP callers and rejected when a
// non-admin invokes them.
var AdminOnly = map[string]struct{}{
	"upsert_symbols": {},
	"delete_symbols": {},
	"create_domain":  {},
}

// Deps are the services the tools operate on.
type Deps struct {
	Registry *registry.Service
	Traces   *trace.Sink
	Sessions *contextsession.Manager
}

// Executor dispatches tool calls for one session and caller.
type Executor struct {
	deps      Deps
	ac        auth.Context
	sessionID string
}

// NewExecutor builds an executor bound to the calling identity and session.
// sessionID may be empty for sessionless callers (MCP helpers).
func NewExecutor(deps Deps, ac auth.Context, sessionID string) *Executor {
	return &Executor{deps: deps, ac: ac, sessionID: sessionID}
}

// Caller returns the identity the executor runs as.
func (e *Executor) Caller() auth.Context { return e.ac }

// SessionID returns the owning session, or empty.
func (e *Executor) SessionID() string { return e.sessionID }

type tool struct {
	name        string
	description string
	properties  map[string]any
	required    []string
	mutating    bool
	handler     func(ctx context.Context, e *Executor, args json.RawMessage) (any, error)
}

// Result is the structured outcome of one tool call.
type Result struct {
	Content string
	IsError bool
}

// Execute runs one tool by name. Unknown tools, role violations and handler
// errors all come back as error results for the model, not Go errors.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	t, ok := registryTable[name]
	if !ok {
		return errResult(fmt.Sprintf("unknown tool %q", name), "unknown_tool")
	}
	if _, adminOnly := AdminOnly[name]; adminOnly && !e.ac.Admin() {
		return errResult(fmt.Sprintf("tool %q requires the admin role", name), "forbidden")
	}
	if t.mutating && !e.writeAllowed(ctx) {
		return errResult("session is closed; only read tools are available", "session_closed")
	}
	out, err := t.handler(ctx, e, args)
	if err != nil {
		return errResult(err.Error(), "")
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return errResult(fmt.Sprintf("encoding tool result: %v", err), "")
	}
	return Result{Content: string(raw)}
}

// Specs returns the declarations for every dispatchable tool, sorted by name.
func (e *Executor) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(registryTable))
	for _, t := range registryTable {
		specs = append(specs, llm.ToolSpec{
			Name:        t.name,
			Description: t.description,
			Properties:  t.properties,
			Required:    t.required,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// MCPSpecs filters the declarations for an MCP caller: restricted tools are
// always hidden, admin-only tools are hidden for non-admins.
func (e *Executor) MCPSpecs() []llm.ToolSpec {
	var specs []llm.ToolSpec
	for _, spec := range e.Specs() {
		if !e.MCPAllowed(spec.Name) {
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

// MCPAllowed reports whether an MCP caller with the executor's role may see
// and call the named tool.
func (e *Executor) MCPAllowed(name string) bool {
	if _, restricted := Restricted[name]; restricted {
		return false
	}
	if _, adminOnly := AdminOnly[name]; adminOnly && !e.ac.Admin() {
		return false
	}
	return true
}

// writeAllowed enforces the session write policy: a closed session serves
// reads only. Sessionless executors may write subject to role checks.
func (e *Executor) writeAllowed(ctx context.Context) bool {
	if e.sessionID == "" {
		return true
	}
	session, err := e.deps.Sessions.Get(ctx, e.ac, e.sessionID)
	if err != nil {
		return false
	}
	return session.Status == models.SessionOpen
}

func errResult(message, code string) Result {
	payload := map[string]string{"error": message}
	if code != "" {
		payload["code"] = code
	}
	raw, _ := json.Marshal(payload)
	return Result{Content: string(raw), IsError: true}
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}
