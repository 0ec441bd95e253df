/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remotedebug

import (
	"context"
	"slices"
	"sync"

	"github.com/microsoft/builddbg/internal/debugproto"
)

const (
	SystemPropertiesGroup  = "System Properties"
	UserPropertiesGroup    = "User Properties"
	RuntimePropertiesGroup = "Runtime Properties"
)

// PropertyGroup is one of the three property categories (system, user, runtime).
// Groups are created once per target; later refreshes change their contents only.
type PropertyGroup struct {
	target *Target
	name   string

	lock       sync.RWMutex
	properties []*Property
}

func (g *PropertyGroup) Name() string {
	return g.name
}

func (g *PropertyGroup) Properties() []*Property {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return slices.Clone(g.properties)
}

func (g *PropertyGroup) Property(name string) (*Property, bool) {
	g.lock.RLock()
	defer g.lock.RUnlock()
	i := slices.IndexFunc(g.properties, func(p *Property) bool { return p.name == name })
	if i < 0 {
		return nil, false
	}
	return g.properties[i], true
}

func (g *PropertyGroup) Target() *Target {
	return g.target
}

func (g *PropertyGroup) ModelIdentifier() string {
	return ModelIdentifier
}

// Build engines report property deltas, so a property that is already known is updated in place.
func (g *PropertyGroup) set(name, value string) {
	g.lock.Lock()
	defer g.lock.Unlock()

	for _, p := range g.properties {
		if p.name == name {
			p.setValue(value)
			return
		}
	}
	g.properties = append(g.properties, &Property{group: g, name: name, value: value})
}

// Property is a single name/value pair of a build.
type Property struct {
	group *PropertyGroup
	name  string

	lock  sync.RWMutex
	value string
}

func (p *Property) Name() string {
	return p.name
}

func (p *Property) Value() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.value
}

func (p *Property) Group() *PropertyGroup {
	return p.group
}

func (p *Property) Target() *Target {
	return p.group.target
}

func (p *Property) ModelIdentifier() string {
	return ModelIdentifier
}

func (p *Property) setValue(value string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.value = value
}

// propertySet holds the property groups of a target and fetches property updates on demand.
type propertySet struct {
	target *Target

	lock                  sync.Mutex
	system, user, runtime *PropertyGroup
	refresh               bool
	requested             bool
	ready                 chan struct{}
}

func newPropertySet(target *Target) *propertySet {
	return &propertySet{
		target:  target,
		refresh: true,
		ready:   make(chan struct{}),
	}
}

// Must be called with ps.lock held.
func (ps *propertySet) groups() []*PropertyGroup {
	if ps.system == nil {
		return nil
	}
	return []*PropertyGroup{ps.system, ps.user, ps.runtime}
}

func (ps *propertySet) markForRefresh() {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	ps.refresh = true
	ps.requested = false
}

// variables returns the property groups, fetching updates from the build engine first
// if the build has resumed since the last fetch. Updates can only be fetched while suspended.
func (ps *propertySet) variables(ctx context.Context) ([]*PropertyGroup, error) {
	ps.lock.Lock()
	if !ps.refresh || !ps.target.IsSuspended() {
		groups := ps.groups()
		ps.lock.Unlock()
		return groups, nil
	}
	ready := ps.ready
	send := !ps.requested
	ps.requested = true
	ps.lock.Unlock()

	queryErr := ps.target.query(ctx, debugproto.CommandProperties, ready, send, func() {
		ps.lock.Lock()
		ps.requested = false
		ps.lock.Unlock()
	})
	if queryErr != nil {
		return nil, queryErr
	}

	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.groups(), nil
}

func (ps *propertySet) apply(msg debugproto.PropertiesMessage) {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.system == nil {
		ps.system = &PropertyGroup{target: ps.target, name: SystemPropertiesGroup}
		ps.user = &PropertyGroup{target: ps.target, name: UserPropertiesGroup}
		ps.runtime = &PropertyGroup{target: ps.target, name: RuntimePropertiesGroup}
	}

	for _, p := range msg.Properties {
		switch p.Type {
		case debugproto.PropertyTypeSystem:
			ps.system.set(p.Name, p.Value)
		case debugproto.PropertyTypeUser:
			ps.user.set(p.Name, p.Value)
		case debugproto.PropertyTypeRuntime:
			ps.runtime.set(p.Name, p.Value)
		}
	}

	ps.refresh = false
	ps.requested = false
	close(ps.ready)
	ps.ready = make(chan struct{})
}
