package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pipelined.dev/framepipe"
)

var (
	m        sync.RWMutex
	registry = map[string]framepipe.ModelAllocatorFunc{
		"identity":  framepipe.Shared(Identity{}),
		"grayscale": framepipe.Shared(Grayscale{}),
		"invert":    framepipe.Shared(Invert{}),
		"blur": func() (framepipe.Model, error) {
			return &BoxBlur{Radius: 2}, nil
		},
		"jitter": func() (framepipe.Model, error) {
			return &Jitter{Max: 20 * time.Millisecond}, nil
		},
	}
)

// Register makes the model available by the name. It panics if the name
// is already registered.
func Register(name string, fn framepipe.ModelAllocatorFunc) {
	m.Lock()
	defer m.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("model %q is already registered", name))
	}
	registry[name] = fn
}

// Names returns sorted names of registered models.
func Names() []string {
	m.RLock()
	defer m.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns allocator of the models chain. Names are separated by
// comma, e.g. "blur,grayscale". Every call of returned allocator creates
// new instances of all models.
func Lookup(names string) (framepipe.ModelAllocatorFunc, error) {
	var fns []framepipe.ModelAllocatorFunc
	m.RLock()
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		fn, ok := registry[name]
		if !ok {
			m.RUnlock()
			return nil, fmt.Errorf("unknown model %q", name)
		}
		fns = append(fns, fn)
	}
	m.RUnlock()
	if len(fns) == 1 {
		return fns[0], nil
	}
	return func() (framepipe.Model, error) {
		chain := make(Chain, 0, len(fns))
		for _, fn := range fns {
			model, err := fn()
			if err != nil {
				return nil, err
			}
			chain = append(chain, model)
		}
		return chain, nil
	}, nil
}
