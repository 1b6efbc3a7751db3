package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Session lifecycle
	AuditSessionStart  AuditEventType = "session_start"
	AuditSessionEnd    AuditEventType = "session_end"
	AuditSessionPause  AuditEventType = "session_pause"
	AuditSessionResume AuditEventType = "session_resume"
	AuditAgentJoin     AuditEventType = "agent_join"
	AuditAgentLeave    AuditEventType = "agent_leave"

	// Consent
	AuditConsentGranted  AuditEventType = "consent_granted"
	AuditConsentDeclined AuditEventType = "consent_declined"

	// Remote control applied to a visitor page
	AuditControlApplied AuditEventType = "control_applied"
	AuditControlSkipped AuditEventType = "control_skipped"
)

// AuditEvent is a structured audit record. Remote control of a visitor page
// is always audited, independent of category filters.
type AuditEvent struct {
	Timestamp int64
	EventType AuditEventType
	SessionID string
	Actor     string // visitor or agent identity
	Target    string
	Action    string
	Success   bool
	Error     string
	Fields    map[string]interface{}
}

// AuditLogger writes audit events scoped to a session.
type AuditLogger struct {
	sessionID string
	actor     string
}

var (
	auditMu   sync.Mutex
	auditSink func(AuditEvent)
)

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger { return &AuditLogger{} }

// AuditWithSession creates an audit logger scoped to a session and actor.
func AuditWithSession(sessionID, actor string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, actor: actor}
}

// SetAuditSink registers fn to receive every audit event in addition to the
// log. Pass nil to remove it.
func SetAuditSink(fn func(AuditEvent)) {
	auditMu.Lock()
	auditSink = fn
	auditMu.Unlock()
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}
	if event.Actor == "" {
		event.Actor = a.actor
	}

	fields := []zap.Field{
		zap.String("event", string(event.EventType)),
		zap.Int64("ts", event.Timestamp),
		zap.String("session", event.SessionID),
		zap.Bool("success", event.Success),
	}
	if event.Actor != "" {
		fields = append(fields, zap.String("actor", event.Actor))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}
	Root().Info("audit", fields...)

	auditMu.Lock()
	sink := auditSink
	auditMu.Unlock()
	if sink != nil {
		sink(event)
	}
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

func (a *AuditLogger) SessionStart(url string) {
	a.Log(AuditEvent{EventType: AuditSessionStart, Target: url, Success: true})
}

func (a *AuditLogger) SessionEnd(reason string) {
	a.Log(AuditEvent{EventType: AuditSessionEnd, Action: reason, Success: true})
}

func (a *AuditLogger) AgentJoin(agentID string) {
	a.Log(AuditEvent{EventType: AuditAgentJoin, Target: agentID, Success: true})
}

func (a *AuditLogger) AgentLeave(agentID string) {
	a.Log(AuditEvent{EventType: AuditAgentLeave, Target: agentID, Success: true})
}

func (a *AuditLogger) Consent(granted bool) {
	typ := AuditConsentDeclined
	if granted {
		typ = AuditConsentGranted
	}
	a.Log(AuditEvent{EventType: typ, Success: granted})
}

// ControlCommand records a remote-control command against the visitor page.
func (a *AuditLogger) ControlCommand(command, target string, err error) {
	ev := AuditEvent{EventType: AuditControlApplied, Action: command, Target: target, Success: err == nil}
	if err != nil {
		ev.EventType = AuditControlSkipped
		ev.Error = err.Error()
	}
	a.Log(ev)
}
