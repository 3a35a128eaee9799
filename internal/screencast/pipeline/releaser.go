package pipeline

import (
	"log/slog"
	"sync"
)

type resource struct {
	name    string
	release func() error
}

// releaser releases acquired resources in reverse order, each exactly once.
// A failing release is logged and does not stop the others.
type releaser struct {
	mu        sync.Mutex
	logger    *slog.Logger
	resources []resource
}

func newReleaser(logger *slog.Logger) *releaser {
	return &releaser{logger: logger}
}

func (r *releaser) push(name string, release func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, resource{name: name, release: release})
}

// releaseAll returns the names that failed, in release order.
func (r *releaser) releaseAll() []string {
	r.mu.Lock()
	resources := r.resources
	r.resources = nil
	r.mu.Unlock()

	var failed []string
	for i := len(resources) - 1; i >= 0; i-- {
		res := resources[i]
		if err := r.safeRelease(res); err != nil {
			r.logger.Warn("Failed to release resource", "resource", res.name, "error", err)
			failed = append(failed, res.name)
			continue
		}
		r.logger.Debug("Released resource", "resource", res.name)
	}
	return failed
}

func (r *releaser) safeRelease(res resource) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicError{value: p}
		}
	}()
	return res.release()
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return "panic during release: " + slog.AnyValue(p.value).String()
}
