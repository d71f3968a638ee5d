package sharedoc

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// GetMap returns the child map stored under key, or nil when the key is
// absent or holds a non-map value.
func GetMap(parent *automerge.Map, key string) (*automerge.Map, error) {
	v, err := parent.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if v.Kind() != automerge.KindMap {
		return nil, nil
	}
	return v.Map(), nil
}

// EnsureMap returns the child map stored under key, creating it when absent.
func EnsureMap(parent *automerge.Map, key string) (*automerge.Map, error) {
	if m, err := GetMap(parent, key); err != nil || m != nil {
		return m, err
	}
	if err := parent.Set(key, automerge.NewMap()); err != nil {
		return nil, fmt.Errorf("failed to create map %q: %w", key, err)
	}
	return GetMap(parent, key)
}

// GetList returns the child list stored under key, or nil when the key is
// absent or holds a non-list value.
func GetList(parent *automerge.Map, key string) (*automerge.List, error) {
	v, err := parent.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if v.Kind() != automerge.KindList {
		return nil, nil
	}
	return v.List(), nil
}

// EnsureList returns the child list stored under key, creating it when
// absent.
func EnsureList(parent *automerge.Map, key string) (*automerge.List, error) {
	if l, err := GetList(parent, key); err != nil || l != nil {
		return l, err
	}
	if err := parent.Set(key, automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create list %q: %w", key, err)
	}
	return GetList(parent, key)
}
