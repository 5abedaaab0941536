package domain

// EvaluationReason — откуда взято значение.
type EvaluationReason string

const (
	ReasonNetwork            EvaluationReason = "Network"
	ReasonNetworkNotModified EvaluationReason = "NetworkNotModified"
	ReasonCache              EvaluationReason = "Cache"
	ReasonUninitialized      EvaluationReason = "Uninitialized"
	ReasonUnrecognized       EvaluationReason = "Unrecognized"
)

// EvaluationDetails сопровождает каждое значение из кэша.
type EvaluationDetails struct {
	Reason         EvaluationReason `json:"reason"`
	ConfigSyncTime int64            `json:"time"`
	ReceivedAt     int64            `json:"receivedAt"`
}

// EvaluationFingerprint — часть ключа дедупликации, описывающая контекст вычисления.
type EvaluationFingerprint struct {
	Reason         EvaluationReason
	ConfigSyncTime int64
	ReceivedAt     int64
}

func (d EvaluationDetails) Fingerprint() EvaluationFingerprint {
	return EvaluationFingerprint{Reason: d.Reason, ConfigSyncTime: d.ConfigSyncTime, ReceivedAt: d.ReceivedAt}
}

// FeatureGate — вычисленный гейт.
type FeatureGate struct {
	Name               string
	Value              bool
	RuleID             string
	SecondaryExposures []map[string]string
	Details            EvaluationDetails
}

// DynamicConfig — вычисленный конфиг (эксперимент).
type DynamicConfig struct {
	Name               string
	Value              map[string]any
	RuleID             string
	GroupName          string
	SecondaryExposures []map[string]string
	Details            EvaluationDetails
}

// Layer — слой с параметрами и назначенным экспериментом.
type Layer struct {
	Name                          string
	Value                         map[string]any
	RuleID                        string
	AllocatedExperimentName       string
	ExplicitParameters            []string
	SecondaryExposures            []map[string]string
	UndelegatedSecondaryExposures []map[string]string
	Details                       EvaluationDetails
}

// IsExplicit сообщает, задан ли параметр экспериментом явно.
func (l Layer) IsExplicit(param string) bool {
	for _, p := range l.ExplicitParameters {
		if p == param {
			return true
		}
	}
	return false
}
