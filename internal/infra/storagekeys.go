package infra

import (
	"fmt"

	"github.com/xela07ax/flagkit/internal/domain"
)

const (
	// StorageNamespace Базовый префикс для изоляции данных SDK в общем хранилище
	StorageNamespace = "flagkit"
)

// Ключи, не зависящие от SDK key
const (
	StorageKeyStableID = StorageNamespace + ":device:stable_id"
)

// FailedLogsKey — ключ списка неотправленных батчей событий.
// SDK key хэшируется, чтобы несколько ключей могли делить одно хранилище.
func FailedLogsKey(sdkKey string) string {
	return fmt.Sprintf("%s:event_logger:failed_requests:%s", StorageNamespace, domain.DJB2(sdkKey))
}

// FallbackInfoKey — ключ состояния запасных доменов.
func FallbackInfoKey(sdkKey string) string {
	return fmt.Sprintf("%s:network:fallback_info:%s", StorageNamespace, domain.DJB2(sdkKey))
}

// ValuesCacheKey — ключ кэша вычисленных значений пользователя.
func ValuesCacheKey(cacheKey domain.UserCacheKey) string {
	return fmt.Sprintf("%s:values:%s", StorageNamespace, cacheKey.V2)
}
