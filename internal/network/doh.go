package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// DNSLookup — источник TXT-записей с запасными хостами.
type DNSLookup interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

var ErrEmptyDNSAnswer = errors.New("dns answer has no TXT records")

// DoHLookup запрашивает TXT-записи через DNS-over-HTTPS (JSON API).
type DoHLookup struct {
	endpoint string
	client   *http.Client
}

func NewDoHLookup(endpoint string, client *http.Client) *DoHLookup {
	return &DoHLookup{endpoint: endpoint, client: client}
}

func (d *DoHLookup) LookupTXT(ctx context.Context, name string) ([]string, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("type", "TXT")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status %d", resp.StatusCode)
	}
	return parseDoHAnswer(body)
}

// parseDoHAnswer достает data из Answer[]. Status != 0 — ошибка резолвера (NXDOMAIN и т.п.).
func parseDoHAnswer(body []byte) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("doh response is not valid json")
	}
	if status := gjson.GetBytes(body, "Status").Int(); status != 0 {
		return nil, fmt.Errorf("doh rcode %d", status)
	}

	var records []string
	gjson.GetBytes(body, "Answer").ForEach(func(_, answer gjson.Result) bool {
		// type 16 = TXT
		if t := answer.Get("type"); t.Exists() && t.Int() != 16 {
			return true
		}
		data := strings.Trim(answer.Get("data").String(), `"`)
		if data != "" {
			records = append(records, data)
		}
		return true
	})

	if len(records) == 0 {
		return nil, ErrEmptyDNSAnswer
	}
	return records, nil
}
