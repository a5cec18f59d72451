package types

import "time"

// HumanMessageType categorizes messages escalated to a human
type HumanMessageType string

const (
	HumanQuestion   HumanMessageType = "question"
	HumanEscalation HumanMessageType = "escalation"
	HumanGuidance   HumanMessageType = "guidance"
)

// HumanMessageStatus tracks a message through its lifecycle
type HumanMessageStatus string

const (
	HumanMessageOpen      HumanMessageStatus = "open"
	HumanMessageAnswered  HumanMessageStatus = "answered"
	HumanMessageDismissed HumanMessageStatus = "dismissed"
)

// HumanMessage is one entry in the human queue. The core only needs
// plain filtered CRUD over these; all routing logic lives outside.
type HumanMessage struct {
	ID        string             `json:"id"`
	TaskID    int                `json:"task_id,omitempty"`
	Type      HumanMessageType   `json:"type"`
	Status    HumanMessageStatus `json:"status"`
	Blocking  bool               `json:"blocking"`
	Priority  int                `json:"priority"`
	Body      string             `json:"body"`
	Response  string             `json:"response,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// HumanMessageFilter selects messages for retrieval. Zero values mean
// "don't filter on this field".
type HumanMessageFilter struct {
	Status   HumanMessageStatus
	Type     HumanMessageType
	TaskID   int
	Blocking *bool
}
