package bus

// Type discriminates engine events on the bus.
type Type string

const (
	TypeText          Type = "text"
	TypeToolStart     Type = "tool_start"
	TypeToolEnd       Type = "tool_end"
	TypeToolOutput    Type = "tool_output"
	TypeUsage         Type = "usage"
	TypeCompact       Type = "compact"
	TypeDone          Type = "done"
	TypeError         Type = "error"
	TypeQuestion      Type = "question"
	TypeSubagentStart Type = "subagent_start"
	TypeSubagentDone  Type = "subagent_done"
	TypeSubagentNote  Type = "subagent_progress"
	TypeTeamStart     Type = "team_start"
	TypeTeamProgress  Type = "team_progress"
	TypeTeamTask      Type = "team_task"
	TypeTeamDone      Type = "team_done"
)

// Terminal outcomes carried in DonePayload. Exactly one Done event is
// emitted per user message.
const (
	OutcomeDone           = "done"
	OutcomeAborted        = "aborted"
	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeTurnLimit      = "turn_limit"
	OutcomeBailed         = "bailed"
)

// Event is one engine event. AgentID is empty for the root agent and set to
// the sub-agent id for events relayed from children.
type Event struct {
	Type    Type
	AgentID string
	Payload any
}

// Structural reports whether the event must never be dropped for a slow
// consumer. Only text and tool-output deltas are expendable.
func (e Event) Structural() bool {
	switch e.Type {
	case TypeText, TypeToolOutput:
		return false
	}
	return true
}

type TextPayload struct {
	Text     string
	Thinking bool
}

type ToolStartPayload struct {
	ID    string
	Name  string
	Input map[string]any
}

type ToolEndPayload struct {
	ID         string
	Name       string
	OK         bool
	Result     string
	DurationMs int64
}

type ToolOutputPayload struct {
	ID    string
	Chunk string
}

type UsagePayload struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

type CompactPayload struct {
	BeforeCount int
	AfterCount  int
	TokensSaved int
}

type DonePayload struct {
	Outcome      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Turns        int
}

type ErrorPayload struct {
	Kind    string
	Message string
}

// QuestionPayload suspends an interactive tool until a transport calls Reply.
// Reply is safe to call exactly once; later calls are ignored.
type QuestionPayload struct {
	ID       string
	Prompt   string
	Options  []string
	Reply    func(answer string)
}

type SubagentPayload struct {
	ID          string
	Kind        string // subagent type or teammate role
	Description string
	State       string // pending, running, done, failed
	Note        string
	Tokens      int64
	DurationMs  int64
	Output      string
}

type TeamTaskPayload struct {
	Teammate string
	Task     string
	Status   string // running, done, failed
	Output   string
}

type TeamDonePayload struct {
	TasksCompleted int
	TasksTotal     int
	Success        bool
}
