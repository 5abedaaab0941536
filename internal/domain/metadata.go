package domain

// Ключи метаданных устройства/SDK в теле запросов.
const (
	MetaStableID      = "stableID"
	MetaSDKType       = "sdkType"
	MetaSDKVersion    = "sdkVersion"
	MetaSessionID     = "sessionID"
	MetaAppIdentifier = "appIdentifier"
	MetaAppVersion    = "appVersion"
	MetaDeviceModel   = "deviceModel"
	MetaDeviceOS      = "deviceOS"
	MetaLocale        = "locale"
	MetaLanguage      = "language"
	MetaSystemVersion = "systemVersion"
	MetaSystemName    = "systemName"
)

// Metadata — типизированный снимок метаданных для внешнего потребителя.
type Metadata struct {
	StableID      string
	SDKType       string
	SDKVersion    string
	SessionID     string
	AppIdentifier string
	AppVersion    string
	DeviceModel   string
	DeviceOS      string
	Locale        string
	Language      string
	SystemVersion string
	SystemName    string
}

// MetadataFromMap собирает Metadata из словаря, который уходит в запросы.
func MetadataFromMap(m map[string]string) Metadata {
	return Metadata{
		StableID:      m[MetaStableID],
		SDKType:       m[MetaSDKType],
		SDKVersion:    m[MetaSDKVersion],
		SessionID:     m[MetaSessionID],
		AppIdentifier: m[MetaAppIdentifier],
		AppVersion:    m[MetaAppVersion],
		DeviceModel:   m[MetaDeviceModel],
		DeviceOS:      m[MetaDeviceOS],
		Locale:        m[MetaLocale],
		Language:      m[MetaLanguage],
		SystemVersion: m[MetaSystemVersion],
		SystemName:    m[MetaSystemName],
	}
}
