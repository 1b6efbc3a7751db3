package protocol

import (
	"strings"

	"github.com/google/uuid"
)

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return "cb_" + shortID() }

// NewVisitorID returns a fresh visitor identifier.
func NewVisitorID() string { return "visitor_" + shortID() }

// NewAgentID returns a fresh agent identifier.
func NewAgentID() string { return "agent_" + shortID() }
