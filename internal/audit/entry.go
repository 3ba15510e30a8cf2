package audit

// Event names what happened in a session.
type Event string

const (
	EventSessionStart Event = "session_start"
	EventModeChange   Event = "mode_change"
	EventTrigger      Event = "trigger"
	EventProvoke      Event = "provoke"
	EventDelete       Event = "delete"
	EventReject       Event = "reject"
	EventSafetyFloor  Event = "safety_floor"
	EventFailure      Event = "decision_failure"
	EventPause        Event = "pause"
	EventResume       Event = "resume"
	EventRevert       Event = "revert"
	EventSessionEnd   Event = "session_end"
)

// AuditEntry is one line in the hash-chained JSONL audit log.
// Fields are plain strings and ints so json.Marshal field order stays
// deterministic for reproducible hashing.
type AuditEntry struct {
	Timestamp  string `json:"ts"`
	SessionID  string `json:"session_id"`
	Event      Event  `json:"event"`
	ActionID   string `json:"action_id,omitempty"`
	RegionID   string `json:"region_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Source     string `json:"source,omitempty"`
	Removed    int    `json:"removed,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ConfigHash string `json:"config_hash,omitempty"`
	PrevHash   string `json:"prev_hash"`
}
