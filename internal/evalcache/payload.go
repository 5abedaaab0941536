package evalcache

// Формат ответа /v1/initialize. Имена гейтов/конфигов в ключах могут быть
// захэшированы djb2 (hash_used = "djb2").
type Payload struct {
	FeatureGates   map[string]gateSpec   `json:"feature_gates,omitempty"`
	DynamicConfigs map[string]configSpec `json:"dynamic_configs,omitempty"`
	LayerConfigs   map[string]layerSpec  `json:"layer_configs,omitempty"`

	HasUpdates    bool              `json:"has_updates"`
	Time          int64             `json:"time,omitempty"`
	HashUsed      string            `json:"hash_used,omitempty"`
	SDKFlags      map[string]any    `json:"sdk_flags,omitempty"`
	DerivedFields map[string]string `json:"derived_fields,omitempty"`
	FullChecksum  string            `json:"full_checksum,omitempty"`
}

type gateSpec struct {
	Name               string              `json:"name"`
	Value              bool                `json:"value"`
	RuleID             string              `json:"rule_id"`
	SecondaryExposures []map[string]string `json:"secondary_exposures,omitempty"`
}

type configSpec struct {
	Name               string              `json:"name"`
	Value              map[string]any      `json:"value"`
	RuleID             string              `json:"rule_id"`
	GroupName          string              `json:"group_name,omitempty"`
	SecondaryExposures []map[string]string `json:"secondary_exposures,omitempty"`
}

type layerSpec struct {
	Name                          string              `json:"name"`
	Value                         map[string]any      `json:"value"`
	RuleID                        string              `json:"rule_id"`
	AllocatedExperimentName       string              `json:"allocated_experiment_name,omitempty"`
	ExplicitParameters            []string            `json:"explicit_parameters,omitempty"`
	SecondaryExposures            []map[string]string `json:"secondary_exposures,omitempty"`
	UndelegatedSecondaryExposures []map[string]string `json:"undelegated_secondary_exposures,omitempty"`
}

// cachedValues — то, что лежит в KV-хранилище под ключом пользователя.
type cachedValues struct {
	Payload    Payload `json:"payload"`
	ReceivedAt int64   `json:"receivedAt"`
	UserHash   string  `json:"userHash"`
}
