package query

import (
	"regexp"
	"strings"

	"github.com/engram-cli/engram/internal/entity"
)

type Intent string

const (
	IntentListTasks         Intent = "list_tasks"
	IntentShowTaskDetails   Intent = "show_task_details"
	IntentFindRelationships Intent = "find_relationships"
	IntentSearchContext     Intent = "search_context"
	IntentAnalyzeWorkflow   Intent = "analyze_workflow"
	IntentUnknown           Intent = "unknown"
)

type rule struct {
	intent   Intent
	patterns []*regexp.Regexp
}

// rules are checked in order; the general task listing comes last.
var rules = []rule{
	{IntentShowTaskDetails, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(show|get|details?\s+of)\s+task\s+`),
		regexp.MustCompile(`(?i)^what\s+(is|about)\s+task\s+`),
	}},
	{IntentFindRelationships, []*regexp.Regexp{
		regexp.MustCompile(`(?i)what\s+(tasks?|entities)\s+(depend\s+on|are\s+(related|linked)\s+to)`),
		regexp.MustCompile(`(?i)(dependencies|dependents|relationships)\s+(of|for)\s+`),
		regexp.MustCompile(`(?i)^(show|find|get|list)\s+(relationships?|dependencies|dependents|links)`),
	}},
	{IntentSearchContext, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(find|search|get)\s+(context|background|knowledge|notes)`),
		regexp.MustCompile(`(?i)what\s+(context|information|background|knowledge)`),
	}},
	{IntentAnalyzeWorkflow, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(show|get|analy[sz]e)\s+(workflows?|status)`),
		regexp.MustCompile(`(?i)workflows?\s+(status|state|progress)`),
	}},
	{IntentListTasks, []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(show|list|get)\s+(my\s+|all\s+)?tasks?`),
		regexp.MustCompile(`(?i)^what\s+tasks?\s+(do\s+i\s+have|am\s+i\s+working\s+on|are)`),
		regexp.MustCompile(`(?i)^tasks?\s+(for|of|by)\s+`),
		regexp.MustCompile(`(?i)^(show|list|get)\s+(\w+\s+){1,2}tasks?\b`),
	}},
}

// Classify maps a question onto the most specific matching intent.
func Classify(question string) Intent {
	q := strings.TrimSpace(question)
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.MatchString(q) {
				return r.intent
			}
		}
	}
	return IntentUnknown
}

// Extracted holds the slots pulled out of a question. Empty fields were not
// mentioned.
type Extracted struct {
	Agent    string            `json:"agent,omitempty"`
	EntityID string            `json:"entity_id,omitempty"`
	Status   entity.TaskStatus `json:"status,omitempty"`
	Priority entity.Priority   `json:"priority,omitempty"`
	Terms    string            `json:"terms,omitempty"`
}

var (
	agentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bagent\s+([a-zA-Z0-9_-]+)`),
		regexp.MustCompile(`(?i)\b(?:for|by|of)\s+(?:agent\s+)?@?([a-zA-Z][a-zA-Z0-9_-]*)\s*$`),
		regexp.MustCompile(`@([a-zA-Z0-9_-]+)`),
	}
	idPattern = regexp.MustCompile(`\b([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|[a-z]+-[0-9a-f]{32})\b`)

	statusPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bstatus\s+([a-z_]+)`),
		regexp.MustCompile(`(?i)\b(todo|done|in_progress|cancelled|completed|finished|pending|open|current|inprogress|in\s*progress)\s+tasks?\b`),
	}
	priorityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bpriority\s+(high|medium|low|critical|urgent)\b`),
		regexp.MustCompile(`(?i)\b(high|medium|low|critical|urgent)\s+(?:priority\s+)?(?:\w+\s+)?tasks?\b`),
	}
	termPattern = regexp.MustCompile(`(?i)\b(?:about|with|containing|titled|called|mentioning)\s+(.+?)(?:\s+for\s+.*)?$`)
)

// Extract pulls agent, entity id, status, priority and free-text terms out of
// a question. Synonyms are normalised: completed and finished mean done, open
// and todo mean pending, urgent means critical.
func Extract(question string) Extracted {
	var x Extracted
	q := strings.TrimSpace(question)

	if m := idPattern.FindStringSubmatch(q); m != nil {
		x.EntityID = m[1]
	}
	for _, p := range agentPatterns {
		if m := p.FindStringSubmatch(q); m != nil && m[1] != x.EntityID && !stopAgent[strings.ToLower(m[1])] {
			x.Agent = m[1]
			break
		}
	}
	for _, p := range statusPatterns {
		if m := p.FindStringSubmatch(q); m != nil {
			if s, ok := normaliseStatus(m[1]); ok {
				x.Status = s
				break
			}
		}
	}
	for _, p := range priorityPatterns {
		if m := p.FindStringSubmatch(q); m != nil {
			x.Priority = normalisePriority(m[1])
			break
		}
	}
	if m := termPattern.FindStringSubmatch(q); m != nil {
		x.Terms = strings.Trim(m[1], " ?.!\"'")
		if f := strings.Fields(strings.ToLower(x.Terms)); len(f) > 0 && (f[0] == "status" || f[0] == "priority") {
			x.Terms = ""
		}
	}
	return x
}

// Words that follow "for" or "of" without naming an agent.
var stopAgent = map[string]bool{
	"me": true, "my": true, "task": true, "tasks": true, "all": true,
	"the": true, "this": true, "that": true, "it": true, "everyone": true,
}

func normaliseStatus(s string) (entity.TaskStatus, bool) {
	s = strings.ToLower(strings.Join(strings.Fields(s), ""))
	switch s {
	case "completed", "finished", "done":
		return entity.TaskDone, true
	case "open", "todo", "pending":
		return entity.TaskPending, true
	case "current", "inprogress", "in_progress":
		return entity.TaskInProgress, true
	case "cancelled", "canceled":
		return entity.TaskCancelled, true
	}
	if st := entity.TaskStatus(s); st.Valid() {
		return st, true
	}
	return "", false
}

func normalisePriority(s string) entity.Priority {
	s = strings.ToLower(s)
	if s == "urgent" {
		return entity.PriorityCritical
	}
	return entity.Priority(s)
}
