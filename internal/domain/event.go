package domain

import "time"

// InternalEventPrefix — префикс служебных событий SDK.
const InternalEventPrefix = "flagkit::"

// Имена служебных событий
const (
	EventGateExposure     = InternalEventPrefix + "gate_exposure"
	EventConfigExposure   = InternalEventPrefix + "config_exposure"
	EventLayerExposure    = InternalEventPrefix + "layer_exposure"
	EventNonExposedChecks = InternalEventPrefix + "non_exposed_checks"
	EventLogEventFailed   = InternalEventPrefix + "log_event_failed"
)

// Event — неизменяемая запись, которая уходит на /v1/rgstr.
// После создания не мутируется: владелец — очередь EventLogger.
type Event struct {
	EventName          string              `json:"eventName"`
	User               map[string]any      `json:"user,omitempty"`
	Value              any                 `json:"value,omitempty"`
	Metadata           map[string]string   `json:"metadata,omitempty"`
	Time               int64               `json:"time"` // unix ms
	SecondaryExposures []map[string]string `json:"secondaryExposures,omitempty"`
}

// NewEvent создает пользовательское событие со снимком пользователя.
func NewEvent(user *User, name string, value any, metadata map[string]string) Event {
	e := Event{
		EventName: name,
		Value:     value,
		Metadata:  copyMetadata(metadata),
		Time:      time.Now().UnixMilli(),
	}
	if user != nil {
		e.User = user.ToMap(true)
	}
	return e
}

// NewInternalEvent — событие SDK (ошибки, non-exposed checks и т.п.).
func NewInternalEvent(user *User, name string, metadata map[string]string) Event {
	return NewEvent(user, InternalEventPrefix+trimInternalPrefix(name), nil, metadata)
}

func trimInternalPrefix(name string) string {
	if len(name) > len(InternalEventPrefix) && name[:len(InternalEventPrefix)] == InternalEventPrefix {
		return name[len(InternalEventPrefix):]
	}
	return name
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
