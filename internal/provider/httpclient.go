package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
)

const maxResponseBody = 1 << 20

// HTTPError is the non-2xx answer of a gateway, kept inside the kinded error.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("gateway answered %d: %s", e.StatusCode, body)
}

// StatusCode extracts the gateway HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

type jsonClient struct {
	provider connection.Provider
	http     *http.Client
}

func newJSONClient(p connection.Provider, client *http.Client) jsonClient {
	if client == nil {
		client = &http.Client{Timeout: 35 * time.Second}
	}
	return jsonClient{provider: p, http: client}
}

// do sends payload as JSON and decodes the answer into a generic map.
// Arrays are exposed under "items" and scalars under "value".
func (c jsonClient) do(ctx context.Context, op string, method string, endpoint string, headers map[string]string, payload any) (map[string]any, error) {
	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	} else if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		bodyReader = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, connection.Wrap(connection.KindInvalidConfig, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, connection.Wrap(connection.KindProviderUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, connection.Wrap(connection.KindProviderUnavailable, op, err)
	}
	rawBody := strings.TrimSpace(string(raw))

	if resp.StatusCode >= 500 {
		return nil, &connection.Error{Kind: connection.KindProviderUnavailable, Op: op, Err: &HTTPError{StatusCode: resp.StatusCode, Body: rawBody}}
	}
	if resp.StatusCode >= 400 {
		return nil, &connection.Error{Kind: connection.KindInvalidConfig, Op: op, Err: &HTTPError{StatusCode: resp.StatusCode, Body: rawBody}}
	}

	parsed := map[string]any{}
	if rawBody != "" {
		var anyPayload any
		if err := json.Unmarshal(raw, &anyPayload); err == nil {
			switch t := anyPayload.(type) {
			case map[string]any:
				parsed = t
			case []any:
				parsed["items"] = t
			default:
				parsed["value"] = t
			}
		} else {
			parsed["raw"] = rawBody
		}
	}
	return parsed, nil
}

func joinURL(base string, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

// pickString returns the first non-empty value under any of keys. Keys
// of a map are matched case-insensitively before its children are walked,
// in sorted order so the result does not depend on map iteration.
func pickString(node any, keys ...string) string {
	keySet := make(map[string]int, len(keys))
	for i, k := range keys {
		keySet[strings.ToLower(strings.TrimSpace(k))] = i
	}

	var walk func(any) string
	walk = func(current any) string {
		switch t := current.(type) {
		case map[string]any:
			best, bestRank := "", len(keys)
			for key, value := range t {
				rank, ok := keySet[strings.ToLower(strings.TrimSpace(key))]
				if !ok || rank >= bestRank {
					continue
				}
				if raw := anyToString(value); raw != "" {
					best, bestRank = raw, rank
				}
			}
			if best != "" {
				return best
			}
			children := make([]string, 0, len(t))
			for key := range t {
				children = append(children, key)
			}
			sort.Strings(children)
			for _, key := range children {
				if raw := walk(t[key]); raw != "" {
					return raw
				}
			}
		case []any:
			for _, value := range t {
				if raw := walk(value); raw != "" {
					return raw
				}
			}
		}
		return ""
	}

	return walk(node)
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", t))
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func anyToBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "1" || s == "yes"
	case float64:
		return t != 0
	}
	return false
}

// normalizeState maps the free-form state strings gateways use onto record statuses.
func normalizeState(raw string) connection.Status {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch {
	case raw == "":
		return connection.StatusDisconnected
	case raw == "open", strings.Contains(raw, "online"), strings.Contains(raw, "ready"):
		return connection.StatusConnected
	case strings.Contains(raw, "disconnect"), strings.Contains(raw, "offline"), strings.Contains(raw, "close"), strings.Contains(raw, "logout"):
		return connection.StatusDisconnected
	case strings.Contains(raw, "connecting"), strings.Contains(raw, "qr"), strings.Contains(raw, "pair"):
		return connection.StatusConnecting
	case raw == "connected":
		return connection.StatusConnected
	case strings.Contains(raw, "fail"), strings.Contains(raw, "error"), strings.Contains(raw, "refused"):
		return connection.StatusError
	default:
		return connection.StatusDisconnected
	}
}

// phoneFromJID keeps the user part of a WhatsApp JID such as 5511999999999:12@s.whatsapp.net.
func phoneFromJID(jid string) string {
	jid = strings.TrimSpace(jid)
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		jid = jid[:at]
	}
	if colon := strings.IndexByte(jid, ':'); colon >= 0 {
		jid = jid[:colon]
	}
	return jid
}

// qrDataURL prefixes a raw base64 PNG so clients can render it directly.
func qrDataURL(b64 string) string {
	b64 = strings.TrimSpace(b64)
	if b64 == "" || strings.HasPrefix(b64, "data:") {
		return b64
	}
	return "data:image/png;base64," + b64
}
