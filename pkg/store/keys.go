package store

import "time"

// Key prefixes and singletons. Every durable record the kernel owns lives
// under one of these.
const (
	KeyUsers     = "sz:users"     // set of user IDs
	KeyUsernames = "sz:usernames" // hash username -> user ID
	KeyAPIKeys   = "sz:apikeys"   // hash api key -> user ID
	KeyDomains   = "sz:domains"   // set of domain IDs
	KeyContexts  = "sz:contexts"  // set of context session IDs
	KeyTraces    = "sz:traces"    // sorted set of trace IDs by created time
	KeyAgents    = "sz:agents"    // set of agent IDs
	KeyTestSets  = "sz:test_sets" // set of test set IDs
	KeyTestRuns  = "sz:test_runs" // set of test run IDs

	KeyAgentExecutions = "sz:agents:executions" // sorted set by start time

	KeySystemPrompt = "sz:prompt:system" // singleton
	KeyMCPPrompt    = "sz:prompt:mcp"    // singleton

	KeyReindexing = "sz:vector:reindexing" // CAS guard for full reindex
)

// TTLs for ephemeral records.
const (
	AttachmentTTL = 24 * time.Hour
	MCPSessionTTL = time.Hour
	AuthTokenTTL  = 7 * 24 * time.Hour
)

// UserKey returns the record key for a user.
func UserKey(id string) string { return "sz:user:" + id }

// DomainKey returns the record key for a domain.
func DomainKey(id string) string { return "sz:domain:" + id }

// SymbolKey returns the record key for a symbol.
func SymbolKey(id string) string { return "sz:symbol:" + id }

// ContextKey returns the record key for a context session.
func ContextKey(id string) string { return "sz:context:" + id }

// ContextLockKey returns the active-message lock key for a session. The lock
// key is the only source of truth for the in-flight message.
func ContextLockKey(id string) string { return "sz:context:" + id + ":active" }

// ContextCancelKey returns the cancellation-request flag key for a session.
func ContextCancelKey(id string) string { return "sz:context:" + id + ":cancel" }

// ContextQueueKey returns the pending-message list key for a session.
func ContextQueueKey(id string) string { return "sz:context:" + id + ":queue" }

// HistoryKey returns the history list key for a session.
func HistoryKey(id string) string { return "sz:history:" + id }

// TraceKey returns the record key for a trace.
func TraceKey(id string) string { return "sz:trace:" + id }

// AgentKey returns the record key for an agent.
func AgentKey(id string) string { return "sz:agent:" + id }

// AgentRunningKey returns the in-flight guard key for an agent.
func AgentRunningKey(id string) string { return "sz:agent:running:" + id }

// AgentSessionKey maps an agent to its dedicated context session.
func AgentSessionKey(id string) string { return "sz:agent:" + id + ":session" }

// AgentExecutionKey returns the record key for an agent execution log entry.
func AgentExecutionKey(id string) string { return "sz:agents:execution:" + id }

// TestSetKey returns the record key for a test set.
func TestSetKey(id string) string { return "sz:test_set:" + id }

// TestRunKey returns the record key for a test run.
func TestRunKey(id string) string { return "sz:test_run:" + id }

// TestRunStopKey returns the stop-request flag key for a test run.
func TestRunStopKey(id string) string { return "sz:test_run:" + id + ":stop" }

// AttachmentKey returns the record key for an uploaded attachment.
func AttachmentKey(id string) string { return "attachment:" + id }

// MCPSessionKey returns the record key for an MCP control-channel session.
func MCPSessionKey(id string) string { return "mcp:session:" + id }

// AuthTokenKey returns the record key for a login session token.
func AuthTokenKey(token string) string { return "sz:token:" + token }
