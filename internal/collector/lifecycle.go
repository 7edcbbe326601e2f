package collector

import "sync"

// PageEvent is a page-lifecycle notification from the host.
type PageEvent int

const (
	PageHide PageEvent = iota + 1
	BeforeUnload
	VisibilityHidden
	VisibilityVisible
)

func (e PageEvent) String() string {
	switch e {
	case PageHide:
		return "pagehide"
	case BeforeUnload:
		return "beforeunload"
	case VisibilityHidden:
		return "visibility-hidden"
	case VisibilityVisible:
		return "visibility-visible"
	default:
		return "unknown"
	}
}

// unloading reports whether the page may be gone after this event.
func (e PageEvent) unloading() bool {
	return e == PageHide || e == BeforeUnload || e == VisibilityHidden
}

// Lifecycle delivers page events to subscribers.
type Lifecycle interface {
	Subscribe(fn func(PageEvent)) (unsubscribe func())
}

// Navigator notifies subscribers of route changes. The hosting router
// implements it; nothing in this package patches navigation primitives.
type Navigator interface {
	OnRouteChange(fn func(route, path string)) (unsubscribe func())
}

// Emitter is an in-process Lifecycle and Navigator. Hosts that already own
// an event source can adapt it instead.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	page   map[int]func(PageEvent)
	routes map[int]func(route, path string)
}

func NewEmitter() *Emitter {
	return &Emitter{
		page:   make(map[int]func(PageEvent)),
		routes: make(map[int]func(route, path string)),
	}
}

func (e *Emitter) Subscribe(fn func(PageEvent)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.page[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.page, id)
	}
}

func (e *Emitter) OnRouteChange(fn func(route, path string)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.routes[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.routes, id)
	}
}

// EmitPage calls every page subscriber synchronously.
func (e *Emitter) EmitPage(event PageEvent) {
	e.mu.Lock()
	fns := make([]func(PageEvent), 0, len(e.page))
	for _, fn := range e.page {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// Navigate calls every route subscriber synchronously.
func (e *Emitter) Navigate(route, path string) {
	e.mu.Lock()
	fns := make([]func(string, string), 0, len(e.routes))
	for _, fn := range e.routes {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(route, path)
	}
}

// Subscribers returns the number of page and route subscribers.
func (e *Emitter) Subscribers() (page, routes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.page), len(e.routes)
}
