// Package viewer models the caller's relation to an escrow and the action
// authorization computed from it. The backend remains authoritative for every
// mutation; this package is the client-side fast path used to hide or disable
// affordances before a request is ever issued.
package viewer

import (
	"encoding/json"
	"strings"
)

// Relation is the closed set of viewer relations an escrow recognises.
type Relation string

const (
	RelationSender      Relation = "SENDER"
	RelationProvider    Relation = "PROVIDER"
	RelationParticipant Relation = "PARTICIPANT"
	RelationOps         Relation = "OPS"
	RelationUnknown     Relation = "UNKNOWN"
)

// ParseRelation maps a backend-reported relation onto the closed set. Anything
// unrecognised collapses to RelationUnknown so authorization fails closed.
func ParseRelation(raw string) Relation {
	switch Relation(strings.ToUpper(strings.TrimSpace(raw))) {
	case RelationSender:
		return RelationSender
	case RelationProvider:
		return RelationProvider
	case RelationParticipant:
		return RelationParticipant
	case RelationOps:
		return RelationOps
	default:
		return RelationUnknown
	}
}

// Known action identifiers. View actions are unrestricted once read access is
// granted; the remainder are gated by relation and entity status server-side.
const (
	ActionViewSummary    = "VIEW_SUMMARY"
	ActionFund           = "FUND"
	ActionMarkDelivered  = "MARK_DELIVERED"
	ActionSubmitProof    = "SUBMIT_PROOF"
	ActionClientApprove  = "CLIENT_APPROVE"
	ActionClientReject   = "CLIENT_REJECT"
	ActionDecideProof    = "DECIDE_PROOF"
	ActionExecutePayment = "EXECUTE_PAYMENT"
	ActionCheckDeadline  = "CHECK_DEADLINE"
	ActionIssueLink      = "ISSUE_LINK"
	ActionRevokeLink     = "REVOKE_LINK"
	ActionCancelEscrow   = "CANCEL_ESCROW"
)

// Context is the ephemeral per-request view of who the caller is and what the
// backend currently permits them to do. It is recomputed on every fetch and
// never persisted.
type Context struct {
	Relation       Relation
	AllowedActions map[string]struct{}
}

// wireContext mirrors the backend's viewer_context payload shape.
type wireContext struct {
	Relation       string   `json:"relation"`
	AllowedActions []string `json:"allowed_actions"`
}

// UnmarshalJSON decodes the backend representation. A missing or malformed
// allowed_actions list yields an empty set, never a permissive default.
func (c *Context) UnmarshalJSON(data []byte) error {
	var wire wireContext
	if err := json.Unmarshal(data, &wire); err != nil {
		*c = Context{Relation: RelationUnknown, AllowedActions: map[string]struct{}{}}
		return err
	}
	*c = NewContext(ParseRelation(wire.Relation), wire.AllowedActions)
	return nil
}

// MarshalJSON encodes the context back into the wire shape.
func (c Context) MarshalJSON() ([]byte, error) {
	wire := wireContext{Relation: string(c.Relation), AllowedActions: make([]string, 0, len(c.AllowedActions))}
	for action := range c.AllowedActions {
		wire.AllowedActions = append(wire.AllowedActions, action)
	}
	return json.Marshal(wire)
}

// NewContext builds a context from a relation and an advertised action list.
func NewContext(relation Relation, actions []string) Context {
	allowed := make(map[string]struct{}, len(actions))
	for _, action := range actions {
		action = strings.ToUpper(strings.TrimSpace(action))
		if action == "" {
			continue
		}
		allowed[action] = struct{}{}
	}
	return Context{Relation: relation, AllowedActions: allowed}
}
