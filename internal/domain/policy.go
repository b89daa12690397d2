package domain

import "strings"

// PolicyFields — набор ограничений. nil означает «поле не задано на этом уровне».
type PolicyFields struct {
	AllowedProviders    []string `json:"allowed_providers,omitempty" yaml:"allowed_providers,omitempty"`
	MaxTokensPerRequest *int     `json:"max_tokens_per_request,omitempty" yaml:"max_tokens_per_request,omitempty"`
	AllowedToolIntents  []string `json:"allowed_tool_intents,omitempty" yaml:"allowed_tool_intents,omitempty"`
}

// Overlay накладывает override поверх базы пополевно: заданное поле override побеждает.
func (p PolicyFields) Overlay(o PolicyFields) PolicyFields {
	out := p
	if o.AllowedProviders != nil {
		out.AllowedProviders = o.AllowedProviders
	}
	if o.MaxTokensPerRequest != nil {
		out.MaxTokensPerRequest = o.MaxTokensPerRequest
	}
	if o.AllowedToolIntents != nil {
		out.AllowedToolIntents = o.AllowedToolIntents
	}
	return out
}

type PolicyOverrides struct {
	Org map[string]PolicyFields `json:"org,omitempty" yaml:"org,omitempty"`
	Cat map[string]PolicyFields `json:"cat,omitempty" yaml:"cat,omitempty"`
}

type PolicyRule struct {
	RuleID  string `json:"rule_id" yaml:"rule_id"`
	Message string `json:"message" yaml:"message"`
}

// PolicyDocument — версионированный документ политики.
type PolicyDocument struct {
	PolicyVersion string          `json:"policy_version" yaml:"policy_version"`
	Defaults      PolicyFields    `json:"defaults" yaml:"defaults"`
	Overrides     PolicyOverrides `json:"overrides" yaml:"overrides"`
	Rules         []PolicyRule    `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Effective = defaults ⊕ org ⊕ cat.
func (d *PolicyDocument) Effective(orgID, catID string) PolicyFields {
	eff := d.Defaults
	if o, ok := d.Overrides.Org[orgID]; ok {
		eff = eff.Overlay(o)
	}
	if c, ok := d.Overrides.Cat[catID]; ok {
		eff = eff.Overlay(c)
	}
	return eff
}

// RuleMessage возвращает текст правила из документа или общий fallback.
func (d *PolicyDocument) RuleMessage(ruleID string) string {
	for _, r := range d.Rules {
		if r.RuleID == ruleID && r.Message != "" {
			return r.Message
		}
	}
	return "Request denied by policy " + ruleID + "."
}

// ActivePointer — запись active.json, указывающая текущую версию.
type ActivePointer struct {
	ActivePolicyVersion string `json:"active_policy_version" yaml:"active_policy_version"`
}

// PolicySnapshot — разобранный документ и хеш его канонического содержимого.
type PolicySnapshot struct {
	Version  string
	Hash     string
	Document *PolicyDocument
}

// ContainsFold — регистронезависимая проверка членства.
func ContainsFold(list []string, v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, item := range list {
		if strings.ToLower(strings.TrimSpace(item)) == v {
			return true
		}
	}
	return false
}
