package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// StatusError — ответ сервера с кодом вне 2xx.
type StatusError struct {
	Endpoint   Endpoint
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.StatusCode)
}

// Retryable — входит ли код в набор статусов, которые повторяем сразу.
func (e *StatusError) Retryable() bool {
	_, ok := retryableStatuses[e.StatusCode]
	return ok
}

var retryableStatuses = map[int]struct{}{
	408: {}, 500: {}, 502: {}, 503: {}, 504: {}, 522: {}, 524: {}, 599: {},
}

// IsDomainFailure отличает проблемы связности (DNS, dial, TLS, таймаут)
// от "плохого статуса". Отмена вызывающим кодом доменной ошибкой не считается.
func IsDomainFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr) && !errors.Is(urlErr.Err, context.Canceled)
}
