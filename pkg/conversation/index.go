// Package conversation derives per-session summaries from the message log.
//
// Scan is the definition. Index is an incremental cache of the same result
// that stores keep alongside their log; it must always equal Scan over the
// messages the store holds.
package conversation

import (
	"sort"
	"sync"

	"github.com/mahaj/studio-chat/pkg/model"
)

// Scan groups msgs by session and summarises each group. Sessions without
// messages do not appear. The result is ordered most recent first.
func Scan(msgs []model.Message) []model.Conversation {
	groups := make(map[string]*entry)
	for _, m := range msgs {
		e, ok := groups[m.SessionID]
		if !ok {
			e = &entry{}
			groups[m.SessionID] = e
		}
		e.add(m)
	}
	out := make([]model.Conversation, 0, len(groups))
	for _, e := range groups {
		out = append(out, e.conv)
	}
	Sort(out)
	return out
}

// Sort orders conversations by last activity, newest first. Equal
// timestamps fall back to session id so output is stable.
func Sort(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].Timestamp.Equal(convs[j].Timestamp) {
			return convs[i].Timestamp.After(convs[j].Timestamp)
		}
		return convs[i].SessionID < convs[j].SessionID
	})
}

type entry struct {
	conv model.Conversation
	last model.Message
}

func (e *entry) add(m model.Message) {
	if e.conv.MessageCount == 0 || e.last.Before(m) {
		e.last = m
		e.conv.SessionID = m.SessionID
		e.conv.LastMessage = m.Text
		e.conv.LastSender = m.Sender
		e.conv.Timestamp = m.CreatedAt
		e.conv.LastMessageID = m.ID
	}
	e.conv.MessageCount++
	if m.Sender == model.SenderUser && !m.Read {
		e.conv.Unread++
	}
}

// Index keeps Scan's result up to date as messages are appended.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewIndex() *Index {
	return &Index{entries: make(map[string]*entry)}
}

// Rebuild replaces the index contents with a scan of msgs.
func (ix *Index) Rebuild(msgs []model.Message) {
	entries := make(map[string]*entry)
	for _, m := range msgs {
		e, ok := entries[m.SessionID]
		if !ok {
			e = &entry{}
			entries[m.SessionID] = e
		}
		e.add(m)
	}
	ix.mu.Lock()
	ix.entries = entries
	ix.mu.Unlock()
}

func (ix *Index) Apply(m model.Message) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[m.SessionID]
	if !ok {
		e = &entry{}
		ix.entries[m.SessionID] = e
	}
	e.add(m)
}

// MarkRead records that every user message of the session is now read.
func (ix *Index) MarkRead(sessionID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[sessionID]; ok {
		e.conv.Unread = 0
		if e.last.Sender == model.SenderUser {
			e.last.Read = true
		}
	}
}

func (ix *Index) Remove(sessionID string) {
	ix.mu.Lock()
	delete(ix.entries, sessionID)
	ix.mu.Unlock()
}

func (ix *Index) Reset() {
	ix.mu.Lock()
	ix.entries = make(map[string]*entry)
	ix.mu.Unlock()
}

func (ix *Index) Get(sessionID string) (model.Conversation, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[sessionID]
	if !ok {
		return model.Conversation{}, false
	}
	return e.conv, true
}

func (ix *Index) List() []model.Conversation {
	ix.mu.RLock()
	out := make([]model.Conversation, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e.conv)
	}
	ix.mu.RUnlock()
	Sort(out)
	return out
}

// Merge combines summaries computed over disjoint message sets, such as a
// primary store and the fallback that covered for it. Counts add up and
// the most recent last message wins, by timestamp and then id as in
// session order.
func Merge(sets ...[]model.Conversation) []model.Conversation {
	byID := make(map[string]model.Conversation)
	for _, set := range sets {
		for _, c := range set {
			cur, ok := byID[c.SessionID]
			if !ok {
				byID[c.SessionID] = c
				continue
			}
			if later(c, cur) {
				cur.LastMessage = c.LastMessage
				cur.LastSender = c.LastSender
				cur.Timestamp = c.Timestamp
				cur.LastMessageID = c.LastMessageID
			}
			cur.MessageCount += c.MessageCount
			cur.Unread += c.Unread
			byID[c.SessionID] = cur
		}
	}
	out := make([]model.Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	Sort(out)
	return out
}

func later(a, b model.Conversation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.LastMessageID > b.LastMessageID
}
