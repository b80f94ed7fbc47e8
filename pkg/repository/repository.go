// Package repository defines the external collaborator boundary the
// recommendation service reads properties and contacts through, plus an
// in-memory reference implementation for tests and the CLI. Grounded on
// the teacher's root Store interface (interface-first storage boundary).
package repository

import (
	"context"
	"sync"

	"github.com/liliang-cn/propmatch/pkg/model"
)

// PropertyRepository is the external read boundary for property data.
type PropertyRepository interface {
	GetProperty(ctx context.Context, id model.ID) (model.Property, error)
	ActiveProperties(ctx context.Context) ([]model.Property, error)
	GetProperties(ctx context.Context, ids []model.ID) ([]model.Property, error)
}

// ContactRepository is the external read boundary for contact data.
type ContactRepository interface {
	GetContact(ctx context.Context, id model.ID) (model.Contact, error)
}

// InMemory is a PropertyRepository and ContactRepository backed by plain
// maps, for tests and the CLI's local/demo mode.
type InMemory struct {
	mu         sync.RWMutex
	properties map[model.ID]model.Property
	contacts   map[model.ID]model.Contact
}

// NewInMemory creates an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{
		properties: make(map[model.ID]model.Property),
		contacts:   make(map[model.ID]model.Contact),
	}
}

// PutProperty upserts a property.
func (r *InMemory) PutProperty(p model.Property) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.properties[p.ID] = p
}

// PutContact upserts a contact.
func (r *InMemory) PutContact(c model.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.ID] = c
}

// GetProperty returns the property with id, or a NotFound error.
func (r *InMemory) GetProperty(ctx context.Context, id model.ID) (model.Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.properties[id]
	if !ok {
		return model.Property{}, model.NewError("GetProperty", model.KindNotFound, model.ErrNotFound)
	}
	return p, nil
}

// ActiveProperties returns every property with IsActive = true.
func (r *InMemory) ActiveProperties(ctx context.Context) ([]model.Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Property, 0, len(r.properties))
	for _, p := range r.properties {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetProperties returns every found property for ids, skipping misses.
func (r *InMemory) GetProperties(ctx context.Context, ids []model.ID) ([]model.Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Property, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.properties[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetContact returns the contact with id, or a NotFound error.
func (r *InMemory) GetContact(ctx context.Context, id model.ID) (model.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	if !ok {
		return model.Contact{}, model.NewError("GetContact", model.KindNotFound, model.ErrNotFound)
	}
	return c, nil
}
