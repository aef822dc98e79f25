package orchestrator

import (
	"errors"
	"fmt"
)

// NodeErrorType categorizes the reason a node failed, mirroring the
// node contracts in spec.md §4.1 so callers can branch on cause
// without parsing message strings.
type NodeErrorType string

const (
	ErrCapabilityDiscoveryFailed NodeErrorType = "CAPABILITY_DISCOVERY_FAILED"
	ErrProposalParseError        NodeErrorType = "PROPOSAL_PARSE_ERROR"
	ErrPolicyRejected            NodeErrorType = "POLICY_REJECTED"
	ErrApprovalRejected          NodeErrorType = "APPROVAL_REJECTED"
	ErrUnknownRole               NodeErrorType = "UNKNOWN_AGENT_ROLE"
)

// ErrRunNotFound is returned by Status and Cancel when no run is
// recorded for the given run ID, and by Status when a terminal run has
// aged out of the retention window. Approve and Reject take an approval
// ID and report an unknown one with the Approval Manager's error.
var ErrRunNotFound = errors.New("orchestrator: run not found")

// NodeError is the structured error a node returns on failure. The
// graph driver uses Type to route to error_handler and to compose the
// status message recorded on the WorkflowState.
type NodeError struct {
	Node    string
	Type    NodeErrorType
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Node, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Node, e.Type, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

func nodeErr(node string, typ NodeErrorType, message string, cause error) *NodeError {
	return &NodeError{Node: node, Type: typ, Message: message, Cause: cause}
}
