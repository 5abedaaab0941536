package network

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Endpoint — логический эндпоинт сервиса.
type Endpoint string

const (
	EndpointInitialize Endpoint = "/v1/initialize"
	EndpointLogEvent   Endpoint = "/v1/rgstr"
)

// DNSKey — префикс TXT-записи с запасным хостом для эндпоинта.
func (e Endpoint) DNSKey() string {
	switch e {
	case EndpointInitialize:
		return "i"
	case EndpointLogEvent:
		return "e"
	}
	return ""
}

// Label — короткое имя для метрик.
func (e Endpoint) Label() string {
	switch e {
	case EndpointInitialize:
		return "initialize"
	case EndpointLogEvent:
		return "log_event"
	}
	return string(e)
}

// Повторов сверх первой попытки.
var retryLimits = map[Endpoint]uint{
	EndpointInitialize: 3,
	EndpointLogEvent:   3,
}

// Заголовки запросов.
const (
	HeaderAPIKey          = "X-Flagkit-Api-Key"
	HeaderClientTime      = "X-Flagkit-Client-Time"
	HeaderSDKType         = "X-Flagkit-Sdk-Type"
	HeaderSDKVersion      = "X-Flagkit-Sdk-Version"
	HeaderContentEncoding = "Content-Encoding"
)

// Response — итог одной HTTP-попытки.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// NewHTTPClient — клиент с таймаутом на один запрос.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

type requestHeaders struct {
	apiKey     string
	sdkType    string
	sdkVersion string
	encoding   string
}

// doPost выполняет одну попытку POST и вычитывает тело ответа.
func doPost(ctx context.Context, client *http.Client, url string, body []byte, h requestHeaders) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, h.apiKey)
	req.Header.Set(HeaderClientTime, strconv.FormatInt(time.Now().UnixMilli(), 10))
	req.Header.Set(HeaderSDKType, h.sdkType)
	req.Header.Set(HeaderSDKVersion, h.sdkVersion)
	if h.encoding != "" {
		req.Header.Set(HeaderContentEncoding, h.encoding)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
