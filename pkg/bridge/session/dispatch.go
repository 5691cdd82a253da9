package session

import (
	"math"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/realtime"
)

// Cost rate constants, USD per token.
const (
	inputTokenRate  = 0.000004
	outputTokenRate = 0.000016
)

// Engine event types whose forwarding may be dropped when the outgoing
// queue backs up. Everything else is delivered blocking.
var droppableEventTypes = map[string]struct{}{
	"response.text.delta":  {},
	"response.audio.delta": {},
	"history_updated":      {},
	"history_added":        {},
}

func isDroppable(eventType string) bool {
	_, ok := droppableEventTypes[eventType]
	return ok
}

// dispatchResult is what one event dispatch asks the session to do beyond
// the state mutation itself.
type dispatchResult struct {
	// interrupted: barge-in detected. The interruption notification must be
	// enqueued before any other message produced by this event.
	interrupted bool

	// cancelSynthesis: stop the in-flight synthesis task.
	cancelSynthesis bool

	// synthesize: non-empty when a finalized transcript should start a new
	// synthesis stream.
	synthesize string

	// metrics to emit as one best-effort client message.
	metrics map[string]float64

	// costDelta is this event's contribution to the session's running cost.
	costDelta float64
}

// applyEvent runs the turn-state machine for one normalized engine event.
// It is the only mutator of State and runs sequentially per session. It
// never fails: unknown event types leave the state untouched.
func applyEvent(st *State, ev realtime.Event, now time.Time) dispatchResult {
	var res dispatchResult

	switch ev.Type {
	case "agent_start":
		st.AgentTurn = &AgentTurn{Name: ev.Agent, ThinkStart: now, Status: AgentThinking}

	case "agent_end":
		if st.AgentTurn != nil {
			st.AgentTurn.Status = AgentDone
			st.AgentTurn.SpeakEnd = now
		}

	case "handoff":
		if st.AgentTurn != nil {
			st.AgentTurn.Status = AgentDone
		}
		st.AgentTurn = &AgentTurn{Name: ev.To, ThinkStart: now, Status: AgentThinking}

	case "input_audio_buffer.speech_started":
		// Barge-in preempts whatever the agent is doing.
		if at := st.AgentTurn; at != nil && (at.Status == AgentThinking || at.Status == AgentSpeaking) {
			at.Status = AgentInterrupted
			res.interrupted = true
		}
		res.cancelSynthesis = true
		if st.UserTurn == nil {
			st.UserTurn = &UserTurn{}
		}
		st.UserTurn.SpeechStart = now
		st.UserTurn.Status = UserListening

	case "input_audio_buffer.speech_stopped":
		if st.UserTurn != nil {
			st.UserTurn.SpeechEnd = now
			st.UserTurn.Status = UserStopped
			st.SpeechEnd = now
		}

	case "input_audio_buffer.committed":
		if st.UserTurn != nil {
			st.UserTurn.Commit = now
			st.UserTurn.Status = UserCommitted
			if !st.UserTurn.SpeechStart.IsZero() {
				res.addMetric("stt", roundMs(now.Sub(st.UserTurn.SpeechStart)))
			}
		}

	case "response.created":
		if st.AgentTurn == nil {
			st.AgentTurn = &AgentTurn{}
		}
		st.AgentTurn.ThinkStart = now
		st.AgentTurn.Status = AgentThinking
		// New turn: re-arm the first-token guard.
		st.LLMFirstToken = time.Time{}

	case "response.text.delta", "response.audio.delta":
		if st.AgentTurn == nil {
			st.AgentTurn = &AgentTurn{SpeakStart: now, Status: AgentSpeaking}
		} else if st.AgentTurn.Status == AgentThinking {
			st.AgentTurn.SpeakStart = now
			st.AgentTurn.Status = AgentSpeaking
		}
		if st.LLMFirstToken.IsZero() && st.AgentTurn != nil && !st.AgentTurn.ThinkStart.IsZero() {
			st.LLMFirstToken = now
			res.addMetric("llm", roundMs(now.Sub(st.AgentTurn.ThinkStart)))
		}

	case "response.output_text.done":
		if ev.Transcript != "" {
			st.LastTranscript = ev.Transcript
		}
		if st.LastTranscript != "" {
			st.TTSReady = now
			res.synthesize = st.LastTranscript
		}

	case "response.done":
		if st.AgentTurn != nil {
			st.AgentTurn.SpeakEnd = now
			st.AgentTurn.Status = AgentDone
		}
		// Missing usage defaults to zero tokens; accounting stays lenient.
		var inTok, outTok int64
		if ev.Response != nil && ev.Response.Usage != nil {
			inTok = ev.Response.Usage.InputTokens
			outTok = ev.Response.Usage.OutputTokens
		}
		res.costDelta = float64(inTok)*inputTokenRate + float64(outTok)*outputTokenRate
		st.TotalCost += res.costDelta
		st.InputTokens = inTok
		st.OutputTokens = outTok
		if st.TotalCost > 0 {
			res.addMetric("cost", math.Round(st.TotalCost*10000)/10000)
		}
		res.addMetric("input_tokens", float64(inTok))
		res.addMetric("output_tokens", float64(outTok))

	case "history_added":
		if ev.Item != nil {
			st.History = append(st.History, ev.Item)
		}

	case "history_updated":
		if ev.History != nil {
			st.History = ev.History
		}
	}

	// Transcripts can ride on any event shape; keep the latest and attach
	// it to the live user turn.
	transcript := ev.Transcript
	if transcript == "" && ev.Raw != nil {
		transcript = ev.Raw.Transcript
	}
	if transcript != "" {
		st.LastTranscript = transcript
		if st.UserTurn != nil {
			st.UserTurn.Transcript = transcript
		}
	}

	return res
}

func (r *dispatchResult) addMetric(key string, value float64) {
	if r.metrics == nil {
		r.metrics = make(map[string]float64, 4)
	}
	r.metrics[key] = value
}

// roundMs converts a duration to milliseconds rounded to two decimals.
func roundMs(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}
