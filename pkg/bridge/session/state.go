// Package session implements the per-connection multiplexer for the voice
// bridge: the outbound writer, inbound audio pump, engine event dispatch,
// synthesis relay, and the registry that owns their lifecycle.
package session

import (
	"encoding/json"
	"time"
)

// UserStatus tracks a user turn through its utterance.
type UserStatus string

const (
	UserIdle      UserStatus = "idle"
	UserListening UserStatus = "listening"
	UserStopped   UserStatus = "stopped"
	UserCommitted UserStatus = "committed"
)

// AgentStatus tracks an agent turn from reasoning to completion.
type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentThinking    AgentStatus = "thinking"
	AgentSpeaking    AgentStatus = "speaking"
	AgentDone        AgentStatus = "done"
	AgentInterrupted AgentStatus = "interrupted"
)

// UserTurn is one user utterance. Replaced when a new speech-start event
// arrives after the previous turn completed.
type UserTurn struct {
	SpeechStart time.Time
	SpeechEnd   time.Time
	Commit      time.Time
	Transcript  string
	Status      UserStatus
}

// AgentTurn is one agent response, replaced on each response creation or
// handoff.
type AgentTurn struct {
	Name        string
	ThinkStart  time.Time
	SpeakStart  time.Time
	SpeakEnd    time.Time
	Status      AgentStatus
}

// State is the turn-state record for one session. It is mutated only by
// the event dispatch path, which runs sequentially per session, so no
// locking is needed.
type State struct {
	SessionID string
	Connected bool

	TotalCost    float64
	InputTokens  int64
	OutputTokens int64

	History   []json.RawMessage
	UserTurn  *UserTurn
	AgentTurn *AgentTurn

	LastTranscript string

	// Latency bookkeeping. SpeechEnd anchors turn latency; TTSReady anchors
	// synthesis latency; LLMFirstToken doubles as the once-per-turn guard
	// for the first-token metric.
	SpeechEnd     time.Time
	TTSReady      time.Time
	LLMFirstToken time.Time
}

// NewState creates the turn-state record for a fresh session.
func NewState(sessionID string) *State {
	return &State{
		SessionID: sessionID,
		Connected: true,
	}
}
