package workflow

import "time"

// DatumType closes the set of monitoring data kinds a checking point
// can fetch.
type DatumType string

const (
	DatumTask         DatumType = "task"
	DatumChatMessage  DatumType = "chat-message"
	DatumEmail        DatumType = "email"
	DatumCustom       DatumType = "custom"
)

// MonitoringDatum is a single external observation produced by a
// checking point's FetchData.
type MonitoringDatum struct {
	ID        string    `json:"id"`
	Type      DatumType `json:"type"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultType is the outcome category of a checking-point evaluation.
type ResultType string

const (
	ResultMatch   ResultType = "MATCH"
	ResultNoMatch ResultType = "NO_MATCH"
	ResultError   ResultType = "ERROR"
)

// CheckResult is produced by a checking point's Evaluate call.
type CheckResult struct {
	CheckingPointName string        `json:"checking_point_name"`
	CheckingPointType string        `json:"checking_point_type"`
	ResultType        ResultType    `json:"result_type"`
	ShouldAct         bool          `json:"should_act"`
	Confidence        float64       `json:"confidence"`
	Reason            string        `json:"reason"`
	Context           Values        `json:"context,omitempty"`
	SuggestedActions  []string      `json:"suggested_actions,omitempty"`
	EvaluationDuration time.Duration `json:"evaluation_duration"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// AIAction is the Scheduler's request to the Orchestrator to start a
// new run in response to a matched checking-point result.
type AIAction struct {
	Name               string        `json:"name"`
	WorkflowName       string        `json:"workflow_name"`
	CheckingPointName  string        `json:"checking_point_name"`
	Timeout            time.Duration `json:"timeout"`
	PromptTemplateID   string        `json:"prompt_template_id"`
	AgentRole          string        `json:"agent_role"`
	ApprovalRequired   bool          `json:"approval_required"`
	ApprovalTimeout    time.Duration `json:"approval_timeout"`
	Priority           int           `json:"priority"`
	Parameters         Values        `json:"parameters,omitempty"`
	PromptVariables    Values        `json:"prompt_variables,omitempty"`
}
