// Package actionlog holds the per-node execution history: an append-only tail of
// raw steps since the last compaction plus the durable snapshot summarizing
// everything before it.
//
// The invariant kept by every mutation is
//
//	snapshot.LastSummarizedSeq + len(tail) == nextSeq - 1
//
// with tail sequence numbers contiguous, so snapshot + tail always reconstructs
// the full working context and no step is summarized twice or skipped.
package actionlog

import (
	"fmt"
	"time"
)

// Kind is the type of one recorded step.
type Kind string

const (
	KindToolCall    Kind = "tool_call"
	KindDelegation  Kind = "delegation"
	KindThought     Kind = "thought"
	KindFinalAnswer Kind = "final_answer"
)

// Entry is one executed step.
type Entry struct {
	Seq    int64          `json:"seq"`
	Kind   Kind           `json:"kind"`
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	OK     bool           `json:"ok"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}

// Summary is the structured "current known state" carried by a snapshot.
type Summary struct {
	// Intent is what this node was asked to do.
	Intent string `json:"intent,omitempty"`
	// PlayByPlay is a chronological, capped list of major steps.
	PlayByPlay []string `json:"play_by_play,omitempty"`
	// Artifacts maps a touched target (file, url, tool) to its latest outcome.
	Artifacts map[string]string `json:"artifacts,omitempty"`
	// Decisions records delegations and their outcomes.
	Decisions []string `json:"decisions,omitempty"`
	// Breadcrumbs keeps error messages and identifiers needed to continue.
	Breadcrumbs []string `json:"breadcrumbs,omitempty"`
	// LatestThinking is the most recent recorded thought.
	LatestThinking string `json:"latest_thinking,omitempty"`
	// Narrative is free-form text produced by an engine-backed summarizer.
	Narrative string `json:"narrative,omitempty"`
	// StepsSummarized counts every step folded into this summary so far.
	StepsSummarized int64 `json:"steps_summarized"`
}

// Snapshot is the durable compacted state of one node.
type Snapshot struct {
	ID                string    `json:"id"`
	LastSummarizedSeq int64     `json:"last_summarized_seq"`
	Supersedes        string    `json:"supersedes,omitempty"`
	State             Summary   `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
}

// PendingStep is a step persisted before it executes so a restart can resume it.
type PendingStep struct {
	Kind   Kind           `json:"kind"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	// CallID is the confirm_id or hil_id once one has been issued.
	CallID string `json:"call_id,omitempty"`
	// ChildNodeID is set for delegations once the child exists.
	ChildNodeID string    `json:"child_node_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Counters are loop guards that must survive a restart.
type Counters struct {
	Turns                int `json:"turns"`
	IdleStreak           int `json:"idle_streak"`
	ForbiddenDelegations int `json:"forbidden_delegations"`
	CompactionFailures   int `json:"compaction_failures"`
}

// Log is the per-node document `{task}_{node}_actions`.
type Log struct {
	TaskID         string       `json:"task_id"`
	NodeID         string       `json:"node_id"`
	AgentID        string       `json:"agent_id"`
	Input          string       `json:"input"`
	NextSeq        int64        `json:"next_seq"`
	Snapshot       *Snapshot    `json:"snapshot,omitempty"`
	Tail           []Entry      `json:"tail"`
	Pending        *PendingStep `json:"pending,omitempty"`
	LatestThinking string       `json:"latest_thinking,omitempty"`
	Counters       Counters     `json:"counters"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// New creates an empty log for a node.
func New(taskID, nodeID, agentID, input string) *Log {
	return &Log{
		TaskID:  taskID,
		NodeID:  nodeID,
		AgentID: agentID,
		Input:   input,
		NextSeq: 1,
		Tail:    []Entry{},
	}
}

// LastSummarizedSeq returns the snapshot boundary, 0 before the first compaction.
func (l *Log) LastSummarizedSeq() int64 {
	if l.Snapshot == nil {
		return 0
	}
	return l.Snapshot.LastSummarizedSeq
}

// Append records a step with the next sequence number and clears the pending marker.
func (l *Log) Append(e Entry) Entry {
	e.Seq = l.NextSeq
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.NextSeq++
	l.Tail = append(l.Tail, e)
	l.Pending = nil
	if e.Kind == KindThought && e.OK && e.Output != "" {
		l.LatestThinking = e.Output
	}
	l.UpdatedAt = e.At
	return e
}

// Window returns a copy of the unsummarized tail.
func (l *Log) Window() []Entry {
	out := make([]Entry, len(l.Tail))
	copy(out, l.Tail)
	return out
}

// ApplySnapshot installs next as the current snapshot and drops exactly the
// tail entries it summarizes. next must cover a prefix of the tail.
func (l *Log) ApplySnapshot(next Snapshot) error {
	base := l.LastSummarizedSeq()
	covered := next.LastSummarizedSeq - base
	if covered < 0 || covered > int64(len(l.Tail)) {
		return fmt.Errorf("snapshot boundary %d outside tail (%d..%d]",
			next.LastSummarizedSeq, base, base+int64(len(l.Tail)))
	}
	if covered > 0 && l.Tail[covered-1].Seq != next.LastSummarizedSeq {
		return fmt.Errorf("snapshot boundary %d does not match tail seq %d",
			next.LastSummarizedSeq, l.Tail[covered-1].Seq)
	}
	if l.Snapshot != nil {
		next.Supersedes = l.Snapshot.ID
	}
	snap := next
	l.Snapshot = &snap
	l.Tail = append([]Entry{}, l.Tail[covered:]...)
	l.UpdatedAt = time.Now().UTC()
	return nil
}

// Validate checks the reconstruction invariant.
func (l *Log) Validate() error {
	base := l.LastSummarizedSeq()
	if base+int64(len(l.Tail)) != l.NextSeq-1 {
		return fmt.Errorf("log %s: snapshot %d + tail %d != next_seq-1 %d",
			l.NodeID, base, len(l.Tail), l.NextSeq-1)
	}
	for i, e := range l.Tail {
		if want := base + int64(i) + 1; e.Seq != want {
			return fmt.Errorf("log %s: tail[%d] seq %d, want %d", l.NodeID, i, e.Seq, want)
		}
	}
	return nil
}

// FinalAnswer returns the recorded final answer, if the node already produced one.
func (l *Log) FinalAnswer() (Entry, bool) {
	for i := len(l.Tail) - 1; i >= 0; i-- {
		if l.Tail[i].Kind == KindFinalAnswer {
			return l.Tail[i], true
		}
	}
	return Entry{}, false
}

// SinceSnapshot is the number of raw entries awaiting compaction.
func (l *Log) SinceSnapshot() int {
	return len(l.Tail)
}
