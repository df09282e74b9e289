package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tafka-4/codex-agent-management/internal/engine"
	"github.com/Tafka-4/codex-agent-management/internal/hub"
	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// maxInlineText bounds command output and reasoning text carried in event
// details so a noisy run cannot bloat the event log.
const maxInlineText = 2000

// applyEngineEvent normalizes one external engine event into event-log
// appends, session field mutations and status transitions, broadcasting each
// effect as it happens. Unrecognized kinds are ignored so newer engines do
// not break the pump.
func (o *Orchestrator) applyEngineEvent(s *session.Session, ev engine.Event) {
	switch ev.Kind {
	case engine.KindThreadStarted:
		if s.EstablishThread(ev.ThreadID) {
			o.appendEvent(s, session.LevelInfo, "engine thread established", map[string]any{
				"threadId": ev.ThreadID,
			})
		}

	case engine.KindTurnStarted:
		o.appendEvent(s, session.LevelTask, "agent turn started", nil)

	case engine.KindTurnCompleted:
		var details map[string]any
		if ev.Usage != nil {
			details = map[string]any{"usage": *ev.Usage}
		}
		o.appendEvent(s, session.LevelTask, "agent turn completed", details)

	case engine.KindTurnFailed:
		s.SetError(ev.Message)
		o.appendEvent(s, session.LevelError, "agent turn failed: "+ev.Message, nil)
		o.setStatus(s, session.StatusAwaitingHint)

	case engine.KindItemStarted, engine.KindItemUpdated, engine.KindItemCompleted:
		o.applyThreadItem(s, ev.Kind, ev.Item)

	case engine.KindStreamError:
		s.SetError(ev.Message)
		o.appendEvent(s, session.LevelError, "engine stream error: "+ev.Message, nil)
		o.setStatus(s, session.StatusAwaitingHint)
	}
}

// applyThreadItem appends events for one typed item. Chatty intermediate
// updates are collapsed: command execution and tool calls are logged at start
// and completion, free text only once complete.
func (o *Orchestrator) applyThreadItem(s *session.Session, kind engine.EventKind, item *engine.ThreadItem) {
	if item == nil {
		return
	}

	switch item.Type {
	case engine.ItemCommandExecution:
		switch kind {
		case engine.KindItemStarted:
			o.appendEvent(s, session.LevelTask, "running command", map[string]any{
				"command": item.Command,
			})
		case engine.KindItemCompleted:
			details := map[string]any{"command": item.Command}
			if item.ExitCode != nil {
				details["exitCode"] = *item.ExitCode
			}
			if item.AggregatedOutput != "" {
				details["output"] = truncate(item.AggregatedOutput, maxInlineText)
			}
			o.appendEvent(s, session.LevelTask, "command finished", details)
		}

	case engine.ItemFileChange:
		if kind == engine.KindItemCompleted && len(item.Changes) > 0 {
			o.appendEvent(s, session.LevelTask, "files changed", map[string]any{
				"changes": item.Changes,
			})
		}

	case engine.ItemToolCall:
		switch kind {
		case engine.KindItemStarted:
			o.appendEvent(s, session.LevelTask, fmt.Sprintf("calling tool %s.%s", item.Server, item.Tool), nil)
		case engine.KindItemCompleted:
			o.appendEvent(s, session.LevelTask, fmt.Sprintf("tool %s.%s finished", item.Server, item.Tool), nil)
		}

	case engine.ItemTodoList:
		if kind != engine.KindItemStarted && len(item.Todos) > 0 {
			o.appendEvent(s, session.LevelInfo, "plan updated", map[string]any{
				"todos": item.Todos,
			})
		}

	case engine.ItemReasoning:
		if kind == engine.KindItemCompleted && item.Text != "" {
			o.appendEvent(s, session.LevelInfo, "agent reasoning", map[string]any{
				"text": truncate(item.Text, maxInlineText),
			})
		}

	case engine.ItemWebSearch:
		if kind == engine.KindItemCompleted {
			o.appendEvent(s, session.LevelInfo, "web search: "+item.Query, nil)
		}

	case engine.ItemError:
		if kind == engine.KindItemCompleted {
			o.appendEvent(s, session.LevelWarning, "engine item error: "+item.Message, nil)
		}

	case engine.ItemAgentMessage:
		if kind != engine.KindItemCompleted {
			return
		}
		o.applyAgentMessage(s, item.Text)
	}
}

// applyAgentMessage handles engine free text. Text that decodes as the
// structured result replaces the session result wholesale and drives the
// terminal-vs-awaiting-hint transition; anything else is recorded as an
// informational event only.
func (o *Orchestrator) applyAgentMessage(s *session.Session, text string) {
	res, ok := parseAgentResult(text)
	if !ok {
		o.appendEvent(s, session.LevelInfo, truncate(text, maxInlineText), nil)
		return
	}

	s.SetResult(&res)
	o.hub.Broadcast(s.ID(), hub.ResultMessage(res))
	if res.Outcome == session.OutcomeSolved {
		o.setStatus(s, session.StatusCompleted)
	} else {
		o.setStatus(s, session.StatusAwaitingHint)
	}
	o.hub.BroadcastSnapshot(s.ID())
}

// parseAgentResult attempts to decode engine free text as the structured
// result payload. Markdown code fences around the JSON are tolerated; any
// text that is not a JSON object with a recognized outcome is rejected.
func parseAgentResult(text string) (session.AgentResult, bool) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if !strings.HasPrefix(raw, "{") {
		return session.AgentResult{}, false
	}

	var res session.AgentResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return session.AgentResult{}, false
	}
	switch res.Outcome {
	case session.OutcomeSolved, session.OutcomeNeedMoreInfo:
		return res, true
	}
	return session.AgentResult{}, false
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "... (truncated)"
}
