package agent

import (
	"fmt"
	"strings"
)

// Route is the resolved provider and streaming path for a model.
type Route struct {
	Provider LLMProvider

	// Model is the model name sent to the provider.
	Model string

	// Native routes use the provider's structured tool-call format.
	// Other routes use the plain-text envelope path.
	Native bool
}

type nativeRoute struct {
	prefix   string
	provider LLMProvider
}

// Router picks a provider for an assistant's model. Models matching a
// native prefix use that provider's tool-call format; every other model
// goes to the local provider through the envelope path.
type Router struct {
	native     []nativeRoute
	local      LLMProvider
	localModel string
}

// NewRouter creates a router whose fallback is the local provider.
// localModel, when set, replaces the assistant's model name on local routes.
func NewRouter(local LLMProvider, localModel string) *Router {
	return &Router{local: local, localModel: localModel}
}

// AddNative routes models starting with prefix to provider. Earlier
// prefixes win.
func (r *Router) AddNative(prefix string, provider LLMProvider) *Router {
	if prefix != "" && provider != nil {
		r.native = append(r.native, nativeRoute{prefix: prefix, provider: provider})
	}
	return r
}

// Resolve returns the route for model.
func (r *Router) Resolve(model string) (Route, error) {
	for _, nr := range r.native {
		if strings.HasPrefix(model, nr.prefix) {
			return Route{Provider: nr.provider, Model: model, Native: true}, nil
		}
	}
	if r.local == nil {
		return Route{}, fmt.Errorf("model %q: %w", model, ErrNoProvider)
	}
	name := model
	if r.localModel != "" {
		name = r.localModel
	}
	return Route{Provider: r.local, Model: name}, nil
}
