package flagkit

import (
	"strconv"

	"github.com/xela07ax/flagkit/internal/domain"
)

func evaluationMetadata(m map[string]string, d domain.EvaluationDetails) map[string]string {
	m["reason"] = string(d.Reason)
	m["time"] = strconv.FormatInt(d.ConfigSyncTime, 10)
	return m
}

func gateExposure(user domain.User, g domain.FeatureGate) (domain.Event, domain.DedupeKey) {
	e := domain.NewEvent(&user, domain.EventGateExposure, nil, evaluationMetadata(map[string]string{
		"gate":      g.Name,
		"gateValue": strconv.FormatBool(g.Value),
		"ruleID":    g.RuleID,
	}, g.Details))
	e.SecondaryExposures = g.SecondaryExposures
	return e, domain.NewGateDedupeKey(g)
}

func configExposure(user domain.User, c domain.DynamicConfig) (domain.Event, domain.DedupeKey) {
	e := domain.NewEvent(&user, domain.EventConfigExposure, nil, evaluationMetadata(map[string]string{
		"config": c.Name,
		"ruleID": c.RuleID,
	}, c.Details))
	e.SecondaryExposures = c.SecondaryExposures
	return e, domain.NewConfigDedupeKey(c)
}

// layerExposure: эксперимент и вторичные экспозиции зависят от того,
// задан ли параметр экспериментом явно.
func layerExposure(user domain.User, l domain.Layer, param string) (domain.Event, domain.DedupeKey) {
	explicit := l.IsExplicit(param)

	allocated := ""
	exposures := l.UndelegatedSecondaryExposures
	if explicit {
		allocated = l.AllocatedExperimentName
		exposures = l.SecondaryExposures
	}

	e := domain.NewEvent(&user, domain.EventLayerExposure, nil, evaluationMetadata(map[string]string{
		"config":              l.Name,
		"ruleID":              l.RuleID,
		"allocatedExperiment": allocated,
		"parameterName":       param,
		"isExplicitParameter": strconv.FormatBool(explicit),
	}, l.Details))
	e.SecondaryExposures = exposures
	return e, domain.NewLayerDedupeKey(l, param, explicit)
}
