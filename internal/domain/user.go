package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// User — пользователь, для которого запрашиваются значения и пишутся события.
type User struct {
	UserID            string            `json:"userID,omitempty"`
	Email             string            `json:"email,omitempty"`
	IP                string            `json:"ip,omitempty"`
	UserAgent         string            `json:"userAgent,omitempty"`
	Country           string            `json:"country,omitempty"`
	Locale            string            `json:"locale,omitempty"`
	AppVersion        string            `json:"appVersion,omitempty"`
	Custom            map[string]any    `json:"custom,omitempty"`
	PrivateAttributes map[string]any    `json:"privateAttributes,omitempty"`
	CustomIDs         map[string]string `json:"customIDs,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
}

// ToMap возвращает представление для тела запроса.
// В событиях приватные атрибуты никогда не отправляются.
func (u User) ToMap(forLogging bool) map[string]any {
	m := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("userID", u.UserID)
	put("email", u.Email)
	put("ip", u.IP)
	put("userAgent", u.UserAgent)
	put("country", u.Country)
	put("locale", u.Locale)
	put("appVersion", u.AppVersion)
	if len(u.Custom) > 0 {
		m["custom"] = u.Custom
	}
	if len(u.CustomIDs) > 0 {
		m["customIDs"] = u.CustomIDs
	}
	if len(u.Environment) > 0 {
		m["environment"] = u.Environment
	}
	if !forLogging && len(u.PrivateAttributes) > 0 {
		m["privateAttributes"] = u.PrivateAttributes
	}
	return m
}

// FullHash — djb2 от канонического JSON пользователя (ключи отсортированы encoding/json).
func (u User) FullHash() string {
	data, err := json.Marshal(u.ToMap(false))
	if err != nil {
		return ""
	}
	return DJB2(string(data))
}

// UserCacheKey идентифицирует пользователя в кэше значений и в карте in-flight запросов.
type UserCacheKey struct {
	V1 string
	V2 string
}

// NewUserCacheKey строит ключ из SDK key, userID и customIDs (в порядке сортировки).
func NewUserCacheKey(sdkKey string, u User) UserCacheKey {
	ids := make([]string, 0, len(u.CustomIDs))
	for k, v := range u.CustomIDs {
		ids = append(ids, k+"-"+v)
	}
	sort.Strings(ids)

	v1 := u.UserID
	if len(ids) > 0 {
		v1 += "|" + strings.Join(ids, "|")
	}

	return UserCacheKey{
		V1: v1,
		V2: DJB2(v1 + "|" + sdkKey),
	}
}

// DJB2 — 32-битный хэш djb2, совместимый с сервером.
func DJB2(value string) string {
	var hash int32
	for _, r := range value {
		hash = (hash << 5) - hash + int32(r)
	}
	return strconv.FormatUint(uint64(uint32(hash)), 10)
}
