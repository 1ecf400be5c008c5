package chatsync

import (
	"sync"
)

// Verdict is the outcome of offering a remote message to the Reconciler.
type Verdict string

const (
	VerdictAccepted  Verdict = "accepted"
	VerdictLoopback  Verdict = "loopback"
	VerdictDuplicate Verdict = "duplicate"
	VerdictInvalid   Verdict = "invalid"
)

// Reconciler owns the ordered chat log. History loads replace the log;
// live messages are appended in arrival order and never re-sorted.
//
// While a load is in flight, live entries are appended to the visible log
// and also kept as a tail. When the load completes the log becomes
// history + tail, minus tail entries the history already holds.
type Reconciler struct {
	mu        sync.Mutex
	log       []Message
	loading   bool
	loadToken uint64
	tail      []Message
}

// NewReconciler creates an empty log.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// AppendLocal appends a locally composed message unconditionally.
func (r *Reconciler) AppendLocal(m Message) error {
	if m.IsSystemNotice {
		return errInvalidMessage("local message flagged as system notice")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(m)
	return nil
}

// AcceptRemote offers a realtime message. It is appended only when its
// author differs from localUserID and the log does not already hold it.
func (r *Reconciler) AcceptRemote(m Message, localUserID string) Verdict {
	if m.IsSystemNotice || m.Validate() != nil {
		return VerdictInvalid
	}
	if localUserID != "" && m.AuthorID == localUserID {
		return VerdictLoopback
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if contains(r.log, m) {
		return VerdictDuplicate
	}
	r.appendLocked(m)
	return VerdictAccepted
}

// AppendSystemNotice appends a local-only notice.
func (r *Reconciler) AppendSystemNotice(m Message) {
	m.IsSystemNotice = true
	m.AuthorID = ""
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(m)
}

// BeginLoad starts a history load and returns its token. A newer BeginLoad
// or a Clear invalidates the token.
func (r *Reconciler) BeginLoad() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadToken++
	r.loading = true
	r.tail = nil
	return r.loadToken
}

// CompleteLoad installs history for the load identified by token. A nil
// history (failed read) leaves only the live tail. It reports false when
// the token is stale.
func (r *Reconciler) CompleteLoad(token uint64, history []Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loading || token != r.loadToken {
		return false
	}
	merged := make([]Message, 0, len(history)+len(r.tail))
	for _, m := range history {
		if m.IsSystemNotice || contains(merged, m) {
			continue
		}
		merged = append(merged, m)
	}
	historyLen := len(merged)
	for _, m := range r.tail {
		if contains(merged[:historyLen], m) {
			continue
		}
		merged = append(merged, m)
	}
	r.log = merged
	r.tail = nil
	r.loading = false
	return true
}

// Clear empties the log in place and abandons any in-flight load.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = nil
	r.tail = nil
	if r.loading {
		r.loading = false
		r.loadToken++
	}
}

// Loading reports whether a history load is in flight.
func (r *Reconciler) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Messages returns a copy of the log.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.log...)
}

// Len returns the number of entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

func (r *Reconciler) appendLocked(m Message) {
	r.log = append(r.log, m)
	if r.loading {
		r.tail = append(r.tail, m)
	}
}

func contains(log []Message, m Message) bool {
	for _, e := range log {
		if e.SameAs(m) {
			return true
		}
	}
	return false
}
