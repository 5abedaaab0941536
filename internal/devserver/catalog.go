package devserver

import (
	"github.com/xela07ax/flagkit/internal/domain"
)

// Catalog — набор значений, которые dev-сервер отдает любому пользователю.
type Catalog struct {
	Gates    map[string]GateRule   `mapstructure:"gates" json:"gates,omitempty"`
	Configs  map[string]ConfigRule `mapstructure:"configs" json:"configs,omitempty"`
	Layers   map[string]LayerRule  `mapstructure:"layers" json:"layers,omitempty"`
	SDKFlags map[string]any        `mapstructure:"sdk_flags" json:"sdk_flags,omitempty"`
}

type GateRule struct {
	Value  bool   `mapstructure:"value" json:"value"`
	RuleID string `mapstructure:"rule_id" json:"rule_id,omitempty"`
}

type ConfigRule struct {
	Value     map[string]any `mapstructure:"value" json:"value"`
	RuleID    string         `mapstructure:"rule_id" json:"rule_id,omitempty"`
	GroupName string         `mapstructure:"group_name" json:"group_name,omitempty"`
}

type LayerRule struct {
	Value                   map[string]any `mapstructure:"value" json:"value"`
	RuleID                  string         `mapstructure:"rule_id" json:"rule_id,omitempty"`
	AllocatedExperimentName string         `mapstructure:"allocated_experiment_name" json:"allocated_experiment_name,omitempty"`
	ExplicitParameters      []string       `mapstructure:"explicit_parameters" json:"explicit_parameters,omitempty"`
}

// initializeResponse собирает тело ответа /v1/initialize.
// При hash = "djb2" ключи карт хэшируются так же, как это делает клиент.
func (c Catalog) initializeResponse(hash string, updatedAt int64) map[string]any {
	key := func(name string) string { return name }
	hashUsed := "none"
	if hash == "djb2" {
		key = domain.DJB2
		hashUsed = "djb2"
	}

	gates := make(map[string]any, len(c.Gates))
	for name, g := range c.Gates {
		gates[key(name)] = map[string]any{
			"name":    key(name),
			"value":   g.Value,
			"rule_id": ruleOrDefault(g.RuleID),
		}
	}

	configs := make(map[string]any, len(c.Configs))
	for name, cfg := range c.Configs {
		configs[key(name)] = map[string]any{
			"name":       key(name),
			"value":      valueOrEmpty(cfg.Value),
			"rule_id":    ruleOrDefault(cfg.RuleID),
			"group_name": cfg.GroupName,
		}
	}

	layers := make(map[string]any, len(c.Layers))
	for name, l := range c.Layers {
		explicit := l.ExplicitParameters
		if explicit == nil {
			explicit = []string{}
		}
		layers[key(name)] = map[string]any{
			"name":                      key(name),
			"value":                     valueOrEmpty(l.Value),
			"rule_id":                   ruleOrDefault(l.RuleID),
			"allocated_experiment_name": l.AllocatedExperimentName,
			"explicit_parameters":       explicit,
		}
	}

	resp := map[string]any{
		"feature_gates":   gates,
		"dynamic_configs": configs,
		"layer_configs":   layers,
		"has_updates":     true,
		"time":            updatedAt,
		"hash_used":       hashUsed,
		"derived_fields":  map[string]string{},
	}
	if len(c.SDKFlags) > 0 {
		resp["sdk_flags"] = c.SDKFlags
	}
	return resp
}

func ruleOrDefault(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

func valueOrEmpty(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
