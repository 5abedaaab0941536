package domain

// ExposureKind различает три типа экспозиций.
type ExposureKind uint8

const (
	ExposureGate ExposureKind = iota + 1
	ExposureConfig
	ExposureLayer
)

// DedupeKey — ключ дедупликации экспозиций. Сравнивается по значению,
// поэтому может использоваться как ключ map.
type DedupeKey struct {
	Kind                ExposureKind
	Name                string
	Value               bool
	RuleID              string
	AllocatedExperiment string
	ParameterName       string
	IsExplicit          bool
	Evaluation          EvaluationFingerprint
}

func NewGateDedupeKey(g FeatureGate) DedupeKey {
	return DedupeKey{
		Kind:       ExposureGate,
		Name:       g.Name,
		Value:      g.Value,
		RuleID:     g.RuleID,
		Evaluation: g.Details.Fingerprint(),
	}
}

func NewConfigDedupeKey(c DynamicConfig) DedupeKey {
	return DedupeKey{
		Kind:       ExposureConfig,
		Name:       c.Name,
		RuleID:     c.RuleID,
		Evaluation: c.Details.Fingerprint(),
	}
}

func NewLayerDedupeKey(l Layer, parameterName string, isExplicit bool) DedupeKey {
	return DedupeKey{
		Kind:                ExposureLayer,
		Name:                l.Name,
		RuleID:              l.RuleID,
		AllocatedExperiment: l.AllocatedExperimentName,
		ParameterName:       parameterName,
		IsExplicit:          isExplicit,
		Evaluation:          l.Details.Fingerprint(),
	}
}
