package widget

import "sync"

// Registry keeps at most one live widget. Initializing a new one destroys
// the previous instance first.
type Registry struct {
	deps Deps

	initMu sync.Mutex

	mu      sync.Mutex
	current *Widget
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps}
}

func (r *Registry) Init(cfg Config) (*Widget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	prev := r.current
	r.current = nil
	r.mu.Unlock()
	if prev != nil {
		prev.Destroy()
	}

	w, err := New(cfg, r.deps)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.onDestroyed = r.forget
	w.mu.Unlock()

	r.mu.Lock()
	r.current = w
	r.mu.Unlock()
	return w, nil
}

// Current returns the live widget, or nil.
func (r *Registry) Current() *Widget {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Destroy tears down the live widget, if any.
func (r *Registry) Destroy() {
	r.mu.Lock()
	w := r.current
	r.current = nil
	r.mu.Unlock()
	if w != nil {
		w.Destroy()
	}
}

func (r *Registry) forget(w *Widget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == w {
		r.current = nil
	}
}
