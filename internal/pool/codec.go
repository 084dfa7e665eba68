package pool

import (
	"encoding/json"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
)

// Кодеки сущность <-> Hash-поля. Сущности лежат в shared store как хэши,
// чтобы частые мутации (статус, назначение, call_id) были одним атомарным
// HSET конкретного поля, а не перезаписью всего блоба.

const (
	fOrg          = "org"
	fConn         = "conn"
	fNode         = "node"
	fProfile      = "profile"
	fCallVisitor  = "call_visitor"
	fCallID       = "call_id"
	fLastActivity = "last_activity"
	fRegisteredAt = "registered_at"

	fPageURL    = "page_url"
	fAssigned   = "assigned"
	fState      = "state"
	fLocation   = "location"
	fIP         = "ip"
	fConnected  = "connected_at"
	fInteracted = "interacted_at"

	fVisitor      = "visitor"
	fAgent        = "agent"
	fRequestedAt  = "requested_at"
	fDispatchedAt = "dispatched_at"
	fStartedAt   = "started_at"
	fEndClaim    = "end_claim"
)

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func agentToFields(a *domain.AgentState) map[string]string {
	profile, _ := json.Marshal(a.Profile)
	return map[string]string{
		fOrg:          a.OrgID,
		fConn:         a.ConnID,
		fNode:         a.NodeID,
		fProfile:      string(profile),
		fCallVisitor:  a.CurrentCallVisitorID,
		fLastActivity: encodeTime(a.LastActivityAt),
		fRegisteredAt: encodeTime(a.RegisteredAt),
	}
}

func agentFromFields(agentID string, fields map[string]string, sims []string) *domain.AgentState {
	if len(fields) == 0 {
		return nil
	}
	a := &domain.AgentState{
		AgentID:              agentID,
		OrgID:                fields[fOrg],
		ConnID:               fields[fConn],
		NodeID:               fields[fNode],
		CurrentCallVisitorID: fields[fCallVisitor],
		CurrentSimulations:   sims,
		LastActivityAt:       decodeTime(fields[fLastActivity]),
		RegisteredAt:         decodeTime(fields[fRegisteredAt]),
	}
	_ = json.Unmarshal([]byte(fields[fProfile]), &a.Profile)
	return a
}

func visitorToFields(v *domain.VisitorSession) map[string]string {
	location := ""
	if v.Location != nil {
		raw, _ := json.Marshal(v.Location)
		location = string(raw)
	}
	return map[string]string{
		fOrg:        v.OrgID,
		fConn:       v.ConnID,
		fNode:       v.NodeID,
		fPageURL:    v.PageURL,
		fAssigned:   v.AssignedAgentID,
		fState:      string(v.State),
		fLocation:   location,
		fIP:         v.IPAddress,
		fConnected:  encodeTime(v.ConnectedAt),
		fInteracted: encodeTime(v.InteractedAt),
	}
}

func visitorFromFields(visitorID string, fields map[string]string) *domain.VisitorSession {
	if len(fields) == 0 {
		return nil
	}
	v := &domain.VisitorSession{
		VisitorID:       visitorID,
		OrgID:           fields[fOrg],
		ConnID:          fields[fConn],
		NodeID:          fields[fNode],
		PageURL:         fields[fPageURL],
		AssignedAgentID: fields[fAssigned],
		State:           domain.VisitorState(fields[fState]),
		IPAddress:       fields[fIP],
		ConnectedAt:     decodeTime(fields[fConnected]),
		InteractedAt:    decodeTime(fields[fInteracted]),
	}
	if raw := fields[fLocation]; raw != "" {
		var loc domain.Location
		if json.Unmarshal([]byte(raw), &loc) == nil {
			v.Location = &loc
		}
	}
	return v
}

func requestToFields(r *domain.CallRequest) map[string]string {
	return map[string]string{
		fVisitor:     r.VisitorID,
		fAgent:       r.AgentID,
		fOrg:         r.OrgID,
		fPageURL:      r.PageURL,
		fRequestedAt:  encodeTime(r.RequestedAt),
		fDispatchedAt: encodeTime(r.DispatchedAt),
	}
}

func requestFromFields(requestID string, fields map[string]string) *domain.CallRequest {
	if len(fields) == 0 {
		return nil
	}
	return &domain.CallRequest{
		RequestID:   requestID,
		VisitorID:   fields[fVisitor],
		AgentID:     fields[fAgent],
		OrgID:       fields[fOrg],
		PageURL:      fields[fPageURL],
		RequestedAt:  decodeTime(fields[fRequestedAt]),
		DispatchedAt: decodeTime(fields[fDispatchedAt]),
	}
}

func callToFields(c *domain.ActiveCall) map[string]string {
	return map[string]string{
		fVisitor:   c.VisitorID,
		fAgent:     c.AgentID,
		fOrg:       c.OrgID,
		fStartedAt: encodeTime(c.StartedAt),
	}
}

func callFromFields(callID string, fields map[string]string) *domain.ActiveCall {
	if len(fields) == 0 {
		return nil
	}
	return &domain.ActiveCall{
		CallID:    callID,
		VisitorID: fields[fVisitor],
		AgentID:   fields[fAgent],
		OrgID:     fields[fOrg],
		StartedAt: decodeTime(fields[fStartedAt]),
	}
}
