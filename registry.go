package goxa

import (
	"fmt"
	"sync"
)

type registryCenter struct {
	mux       sync.RWMutex
	resources map[string]Resource
	order     []string
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		resources: make(map[string]Resource),
	}
}

func (r *registryCenter) register(resource Resource) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.resources[resource.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrRepeatResource, resource.Name())
	}
	r.resources[resource.Name()] = resource
	r.order = append(r.order, resource.Name())
	return nil
}

func (r *registryCenter) getResource(name string) (Resource, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	resource, ok := r.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return resource, nil
}

// all 按注册顺序返回全部资源
func (r *registryCenter) all() []Resource {
	r.mux.RLock()
	defer r.mux.RUnlock()
	resources := make([]Resource, 0, len(r.order))
	for _, name := range r.order {
		resources = append(resources, r.resources[name])
	}
	return resources
}
