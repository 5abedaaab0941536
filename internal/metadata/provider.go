package metadata

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/flagkit/internal/domain"
	"github.com/xela07ax/flagkit/internal/infra"
	"github.com/xela07ax/flagkit/internal/repository"
)

const (
	SDKType    = "go-client"
	SDKVersion = "1.4.0"
)

// Info — статические сведения о приложении и окружении.
type Info struct {
	AppIdentifier string
	AppVersion    string
	DeviceModel   string
	Locale        string
}

// Provider отдает метаданные устройства и SDK для тел запросов.
// stableID живет в KV-хранилище между запусками, sessionID новый на каждый Provider.
type Provider struct {
	stableID  string
	sessionID string
	info      Info
}

// NewProvider читает stableID из хранилища или генерирует новый.
// overrideStableID, если задан, имеет приоритет и тоже сохраняется.
func NewProvider(ctx context.Context, store repository.Store, info Info, overrideStableID string, logger *zap.Logger) (*Provider, error) {
	log := logger.With(zap.String("mod", "metadata"))

	stableID := overrideStableID
	if stableID == "" {
		stored, err := repository.GetString(ctx, store, infra.StorageKeyStableID)
		if err != nil {
			return nil, fmt.Errorf("load stable id: %w", err)
		}
		stableID = stored
	}
	if stableID == "" {
		stableID = uuid.NewString()
		log.Debug("generated new stable id")
	}

	if err := repository.SetString(ctx, store, infra.StorageKeyStableID, stableID); err != nil {
		// Не критично: в худшем случае stableID сменится при следующем запуске
		log.Warn("failed to persist stable id", zap.Error(err))
	}

	if info.Locale == "" {
		info.Locale = localeFromEnv()
	}

	return &Provider{
		stableID:  stableID,
		sessionID: uuid.NewString(),
		info:      info,
	}, nil
}

func (p *Provider) StableID() string { return p.stableID }

func (p *Provider) SessionID() string { return p.sessionID }

// Snapshot — копия словаря метаданных. Вызывающий код может ее менять.
func (p *Provider) Snapshot() map[string]string {
	m := map[string]string{
		domain.MetaStableID:      p.stableID,
		domain.MetaSessionID:     p.sessionID,
		domain.MetaSDKType:       SDKType,
		domain.MetaSDKVersion:    SDKVersion,
		domain.MetaSystemName:    runtime.GOOS,
		domain.MetaDeviceOS:      runtime.GOOS,
		domain.MetaSystemVersion: runtime.Version(),
	}
	optional := map[string]string{
		domain.MetaAppIdentifier: p.info.AppIdentifier,
		domain.MetaAppVersion:    p.info.AppVersion,
		domain.MetaDeviceModel:   p.info.DeviceModel,
		domain.MetaLocale:        p.info.Locale,
		domain.MetaLanguage:      language(p.info.Locale),
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

func (p *Provider) Metadata() domain.Metadata {
	return domain.MetadataFromMap(p.Snapshot())
}

// localeFromEnv: "en_US.UTF-8" -> "en_US".
func localeFromEnv() string {
	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := os.Getenv(key); v != "" && v != "C" && v != "POSIX" {
			return strings.SplitN(v, ".", 2)[0]
		}
	}
	return ""
}

func language(locale string) string {
	if locale == "" {
		return ""
	}
	return strings.SplitN(locale, "_", 2)[0]
}
