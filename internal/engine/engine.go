// Package engine defines the boundary to the external task-execution engine.
// The orchestrator only ever consumes the ordered event stream defined here;
// process execution, sandboxing and tool invocation belong to the engine
// implementation behind the interface.
package engine

import "context"

// Engine starts and resumes task threads. Implementations must deliver events
// for one stream in order and close the stream's channel when no further
// events will arrive. Both calls honor ctx cancellation.
type Engine interface {
	// StartThread begins a new conversation thread for a task and returns
	// its event stream. The first event on a healthy stream establishes the
	// thread identifier.
	StartThread(ctx context.Context, opts ThreadOptions) (Stream, error)

	// ResumeThread continues an established thread with a follow-up prompt.
	ResumeThread(ctx context.Context, threadID string, opts ThreadOptions) (Stream, error)
}

// ThreadOptions carries the per-run inputs handed to the engine. The prompt
// is an opaque string produced by the prompt collaborator.
type ThreadOptions struct {
	Prompt     string
	WorkingDir string
}

// Stream yields the ordered events of one run.
type Stream interface {
	// Events returns the event channel. It is closed when the stream is
	// exhausted; a terminal failure is delivered as a KindStreamError event
	// before the close.
	Events() <-chan Event

	// Close releases stream resources. Safe to call more than once.
	Close() error
}

// EventKind tags the variants of the engine's event union.
type EventKind string

const (
	// KindThreadStarted carries the thread identifier; first event of a new
	// thread.
	KindThreadStarted EventKind = "thread.started"
	// KindTurnStarted marks the beginning of one reasoning turn.
	KindTurnStarted EventKind = "turn.started"
	// KindTurnCompleted marks the end of a turn and carries usage metadata.
	KindTurnCompleted EventKind = "turn.completed"
	// KindTurnFailed reports a recoverable turn failure.
	KindTurnFailed EventKind = "turn.failed"
	// KindItemStarted, KindItemUpdated and KindItemCompleted carry typed
	// thread items as they progress.
	KindItemStarted   EventKind = "item.started"
	KindItemUpdated   EventKind = "item.updated"
	KindItemCompleted EventKind = "item.completed"
	// KindStreamError reports a terminal stream failure.
	KindStreamError EventKind = "stream.error"
)

// Event is one element of a run's event stream. Exactly the fields implied by
// Kind are populated; consumers ignore unrecognized kinds.
type Event struct {
	Kind     EventKind
	ThreadID string
	Usage    *Usage
	Message  string
	Item     *ThreadItem
}

// Usage is the token accounting attached to a completed turn.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

// ItemType tags the typed items carried by item events.
type ItemType string

const (
	ItemCommandExecution ItemType = "command_execution"
	ItemFileChange       ItemType = "file_change"
	ItemToolCall         ItemType = "mcp_tool_call"
	ItemTodoList         ItemType = "todo_list"
	ItemAgentMessage     ItemType = "agent_message"
	ItemReasoning        ItemType = "reasoning"
	ItemWebSearch        ItemType = "web_search"
	ItemError            ItemType = "error"
)

// ThreadItem is one typed unit of engine progress. Only the fields relevant
// to Type are set.
type ThreadItem struct {
	ID   string
	Type ItemType

	// Text carries agent_message and reasoning content.
	Text string

	// Command execution fields.
	Command          string
	AggregatedOutput string
	ExitCode         *int
	CommandStatus    string

	// File change paths, by change kind.
	Changes []FileChange

	// Tool call fields.
	Server string
	Tool   string

	// Todo list entries.
	Todos []TodoItem

	// Web search query.
	Query string

	// Error message for ItemError.
	Message string
}

// FileChange describes one modified path within a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// TodoItem is one entry of an engine-maintained plan.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}
