// Package agents describes the downstream LLM-backed services and talks to them.
package agents

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"callassist/internal/config"
)

// Endpoint names shared by more than one agent.
const (
	EndpointHealth    = "health"
	EndpointOnMessage = "onMessage"
	EndpointProcess   = "process"
)

// Agent is one downstream collaborator. Values are immutable after the
// registry is built.
type Agent struct {
	Key       string
	Name      string
	URL       string
	Enabled   bool
	Timeout   time.Duration
	Endpoints map[string]string
}

// Defaults returns the built-in agent table.
func Defaults() []Agent {
	return []Agent{
		{
			Key: "report", Name: "Report Agent", URL: "http://localhost:8001", Enabled: true, Timeout: 60 * time.Second,
			Endpoints: map[string]string{"health": "/health", "analyze": "/analyze", "generate": "/generate", "process": "/process"},
		},
		{
			Key: "stt", Name: "STT Module", URL: "http://localhost:8080", Enabled: true, Timeout: 5 * time.Second,
			Endpoints: map[string]string{"health": "/health", "transcribe": "/transcribe", "stream": "/stream"},
		},
		{
			Key: "rag", Name: "RAG Agent", URL: "http://localhost:8000", Enabled: true, Timeout: 30 * time.Second,
			Endpoints: map[string]string{"health": "/", "chat": "/chat", "search": "/search", "onMessage": "/onMessage"},
		},
		{
			Key: "upsell", Name: "Upsell Agent", URL: "http://localhost:8008", Enabled: true, Timeout: 30 * time.Second,
			Endpoints: map[string]string{
				"health": "/health", "analyze": "/analyze", "analyzeQuick": "/analyze/quick",
				"intentOnly": "/intent-only", "onMessage": "/onMessage",
			},
		},
	}
}

// Registry is a read-only lookup of agents by key.
type Registry struct {
	agents map[string]Agent
	order  []string
}

// NewRegistry builds the registry from the defaults with overrides applied.
// Overrides for unknown keys are ignored.
func NewRegistry(overrides map[string]config.AgentOverride) *Registry {
	return FromAgents(Defaults(), overrides)
}

// FromAgents builds a registry from an explicit agent list.
func FromAgents(list []Agent, overrides map[string]config.AgentOverride) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(list))}
	for _, a := range list {
		if ov, ok := overrides[a.Key]; ok {
			if ov.URL != "" {
				a.URL = ov.URL
			}
			if ov.Enabled != nil {
				a.Enabled = *ov.Enabled
			}
			if ov.TimeoutMS > 0 {
				a.Timeout = time.Duration(ov.TimeoutMS) * time.Millisecond
			}
		}
		a.URL = strings.TrimRight(a.URL, "/")
		eps := make(map[string]string, len(a.Endpoints))
		for k, v := range a.Endpoints {
			eps[k] = v
		}
		a.Endpoints = eps
		r.agents[a.Key] = a
		r.order = append(r.order, a.Key)
	}
	return r
}

// Get returns the agent registered under key.
func (r *Registry) Get(key string) (Agent, bool) {
	a, ok := r.agents[key]
	return a, ok
}

// All returns every agent in registration order.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.agents[k])
	}
	return out
}

// Active returns the enabled agents.
func (r *Registry) Active() []Agent {
	var out []Agent
	for _, a := range r.All() {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Subscribers returns enabled agents that declare the named endpoint.
func (r *Registry) Subscribers(endpoint string) []Agent {
	var out []Agent
	for _, a := range r.Active() {
		if _, ok := a.Endpoints[endpoint]; ok {
			out = append(out, a)
		}
	}
	return out
}

// BuildURL joins the agent base URL and the endpoint path.
func (a Agent) BuildURL(endpoint string) (string, error) {
	path, ok := a.Endpoints[endpoint]
	if !ok {
		return "", fmt.Errorf("agent %s has no %q endpoint", a.Key, endpoint)
	}
	return a.URL + path, nil
}

// Port returns the port of the agent URL, or the scheme default.
func (a Agent) Port() string {
	u, err := url.Parse(a.URL)
	if err != nil {
		return ""
	}
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// EndpointNames lists the agent's endpoint names sorted.
func (a Agent) EndpointNames() []string {
	names := make([]string, 0, len(a.Endpoints))
	for k := range a.Endpoints {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
