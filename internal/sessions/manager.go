package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatloom/internal/bus"
)

const snapshotFile = "conversants.json"

// Conversant is one logical chat partner: a private chat or a multi-party channel.
type Conversant struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	IsGroup      bool      `json:"is_group"`
	DisplayName  string    `json:"display_name"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	LastReply    time.Time `json:"last_reply,omitempty"`
}

// Registry tracks conversants. Entries are created on first message, updated on
// activity and removed only by Sweep. Safe for concurrent use.
type Registry struct {
	conversants map[string]*Conversant
	mu          sync.RWMutex
	storage     string
}

// NewRegistry creates a registry. A non-empty storage directory enables Save
// and loads any previous snapshot.
func NewRegistry(storage string) *Registry {
	r := &Registry{
		conversants: make(map[string]*Conversant),
		storage:     storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		r.load()
	}
	return r
}

// Touch records activity for the sender's conversant, creating it if absent.
func (r *Registry) Touch(msg bus.PendingMessage) Conversant {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversants[msg.ConversantID]
	if !ok {
		c = &Conversant{
			ID:      msg.ConversantID,
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			IsGroup: msg.IsGroup,
			Created: msg.Arrival,
		}
		r.conversants[msg.ConversantID] = c
	}
	if !msg.IsGroup && msg.SenderName != "" {
		c.DisplayName = msg.SenderName
	}
	if c.DisplayName == "" {
		c.DisplayName = msg.ChatID
	}
	if msg.Arrival.After(c.LastActivity) {
		c.LastActivity = msg.Arrival
	}
	return *c
}

// SetDisplayName overrides the display name, e.g. with a group title.
func (r *Registry) SetDisplayName(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversants[id]; ok && name != "" {
		c.DisplayName = name
	}
}

// Get returns a copy of the conversant.
func (r *Registry) Get(id string) (Conversant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversants[id]
	if !ok {
		return Conversant{}, false
	}
	return *c, true
}

// MarkReplied records the time a reply was delivered to the conversant.
func (r *Registry) MarkReplied(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversants[id]; ok && at.After(c.LastReply) {
		c.LastReply = at
	}
}

// LastReply returns when a reply was last delivered. Zero if never.
func (r *Registry) LastReply(id string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.conversants[id]; ok {
		return c.LastReply
	}
	return time.Time{}
}

// List returns all conversants ordered by most recent activity.
func (r *Registry) List() []Conversant {
	r.mu.RLock()
	out := make([]Conversant, 0, len(r.conversants))
	for _, c := range r.conversants {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Sweep removes conversants idle since before now-staleAfter and returns their ids.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.conversants {
		last := c.LastActivity
		if c.LastReply.After(last) {
			last = c.LastReply
		}
		if now.Sub(last) > staleAfter {
			delete(r.conversants, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Save writes a snapshot of every conversant to storage. No-op without storage.
func (r *Registry) Save() error {
	if r.storage == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.List(), "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(r.storage, "conversants-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, filepath.Join(r.storage, snapshotFile)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (r *Registry) load() {
	data, err := os.ReadFile(filepath.Join(r.storage, snapshotFile))
	if err != nil {
		return
	}
	var list []Conversant
	if err := json.Unmarshal(data, &list); err != nil {
		return
	}
	for i := range list {
		c := list[i]
		if c.ID == "" {
			continue
		}
		r.conversants[c.ID] = &c
	}
}
