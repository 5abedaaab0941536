package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
)

// ContentEncodingGzip — значение заголовка Content-Encoding для сжатых тел.
const ContentEncodingGzip = "gzip"

var ErrEmptyPayload = errors.New("empty payload")

// Глобальный выключатель сжатия (kill switch на уровне процесса).
var disabled atomic.Bool

func SetDisabled(v bool) { disabled.Store(v) }

func Disabled() bool { return disabled.Load() }

// Gzip сжимает payload. Пустой вход — ошибка: сжимать нечего.
func Gzip(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip читает сжатое тело целиком. limit <= 0 снимает ограничение.
func Gunzip(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()

	var r io.Reader = zr
	if limit > 0 {
		r = io.LimitReader(zr, limit)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
