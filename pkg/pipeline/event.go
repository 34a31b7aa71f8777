package pipeline

// EventType discriminates the stream a turn emits.
type EventType string

const (
	// EventToken is one streamed fragment of the assistant reply.
	EventToken EventType = "token"
	// EventContext closes every turn, reporting how it was assembled.
	EventContext EventType = "context"
)

// Event is one item pushed to the caller while a turn runs. Token events
// arrive in model order; exactly one context event follows them.
type Event struct {
	Type    EventType    `json:"type"`
	Token   string       `json:"token,omitempty"`
	Context *ContextInfo `json:"context,omitempty"`
}

// ContextInfo describes the retrieval side of a finished turn.
type ContextInfo struct {
	UsedSearch bool   `json:"used_search"`
	Summary    string `json:"summary"`
	Sources    int    `json:"sources"`
}

// Stage is one step of the turn state machine.
type Stage string

const (
	StageDecide             Stage = "decide"
	StageSearchAndSummarize Stage = "search_and_summarize"
	StageGenerate           Stage = "generate"
	StageDone               Stage = "done"
)

// nextStage advances the machine: the search stage only runs when the
// decide stage asked for it, generation always runs.
func nextStage(current Stage, needSearch bool) Stage {
	switch current {
	case StageDecide:
		if needSearch {
			return StageSearchAndSummarize
		}
		return StageGenerate
	case StageSearchAndSummarize:
		return StageGenerate
	case StageGenerate:
		return StageDone
	default:
		return StageDone
	}
}
