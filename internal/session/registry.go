package session

import (
	"sort"
	"sync"
	"time"

	"github.com/coder/rfbd/rfb"
)

// Info is a read-only view of a session for observability.
type Info struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Stage       string    `json:"stage"`
	Shared      bool      `json:"shared"`
	Framebuffer string    `json:"framebuffer,omitempty"`
	PixelFormat string    `json:"pixel_format"`
	Encodings   []string  `json:"encodings"`
	Updates     uint64    `json:"updates"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Started     time.Time `json:"started"`
}

// Registry tracks live sessions across event loops. Sessions publish to it;
// readers get copies.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Info
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Info)}
}

func (r *Registry) add(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[info.ID] = info
}

func (r *Registry) update(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[info.ID]; ok {
		r.sessions[info.ID] = info
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	return info, ok
}

// List returns all live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

func (s *Session) info() Info {
	encodings := make([]string, len(s.encodings))
	for i, e := range s.encodings {
		encodings[i] = rfb.EncodingName(e)
	}
	var fb string
	if s.framebuffer.Valid() {
		fb = s.framebuffer.String()
	}
	return Info{
		ID:          s.id,
		Remote:      s.remote,
		Stage:       s.stage.String(),
		Shared:      s.shared,
		Framebuffer: fb,
		PixelFormat: s.pixelFormat.String(),
		Encodings:   encodings,
		Updates:     s.updates,
		BytesIn:     s.bytesIn,
		BytesOut:    s.bytesOut,
		Started:     s.started,
	}
}

// Info returns the session's current observability view.
func (s *Session) Info() Info {
	return s.info()
}
