package dnsprov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"gosuda.org/certd/httpretry"
)

// DefaultAPIBase is the production Cloudflare v4 endpoint.
const DefaultAPIBase = "https://api.cloudflare.com/client/v4"

const (
	recordTTL = 60

	// Cloudflare's "record already exists" error code. Hitting it means we
	// lost a race with another writer and the record is in place.
	errCodeRecordExists = 81058

	maxAPIBody   = 1 << 20
	maxErrorBody = 2000
)

// Cloudflare manages TXT records through a Cloudflare-compatible REST API.
type Cloudflare struct {
	// Token needs Zone read and DNS edit on the zones in play.
	Token string

	// APIBase overrides the production endpoint, mainly for tests.
	APIBase string

	// ZoneMap pins domain suffixes to zone IDs, skipping API discovery.
	// The longest matching suffix wins.
	ZoneMap map[string]string

	HTTP *httpretry.Client
}

// NewCloudflare builds a provider with the default retrying transport.
func NewCloudflare(token string, zoneMap map[string]string) *Cloudflare {
	return &Cloudflare{Token: token, ZoneMap: zoneMap, HTTP: httpretry.New()}
}

func (c *Cloudflare) base() string {
	if c.APIBase != "" {
		return strings.TrimSuffix(c.APIBase, "/")
	}
	return DefaultAPIBase
}

func (c *Cloudflare) transport() *httpretry.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return httpretry.New()
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []apiError      `json:"errors"`
}

type apiZone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type apiResponse struct {
	status int
	body   []byte
	env    apiEnvelope
}

func (c *Cloudflare) api(ctx context.Context, method, path string, query url.Values, body any) (*apiResponse, error) {
	u := c.base() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req := httpretry.Request{Method: method, URL: u, Header: http.Header{}}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		req.Body = raw
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport().Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBody))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, u, err)
	}

	res := &apiResponse{status: resp.StatusCode, body: data}
	if len(data) > 0 {
		// Non-JSON bodies are tolerated; callers see success=false plus
		// the raw text.
		_ = json.Unmarshal(data, &res.env)
	}
	return res, nil
}

// ResolveZoneID finds the zone hosting domain: first by the longest suffix
// configured in ZoneMap, then by walking the domain's labels against the
// zones endpoint until one resolves.
func (c *Cloudflare) ResolveZoneID(ctx context.Context, domain string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(domain, "."))
	name = strings.TrimPrefix(name, "*.")

	if id := c.zoneFromMap(name); id != "" {
		return id, nil
	}

	lastAPIErr := ""
	labels := strings.Split(name, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")
		res, err := c.api(ctx, http.MethodGet, "/zones", url.Values{
			"name":     []string{candidate},
			"status":   []string{"active"},
			"per_page": []string{"1"},
		}, nil)
		if err != nil {
			return "", err
		}
		if !res.env.Success {
			if len(res.env.Errors) > 0 {
				lastAPIErr = res.env.Errors[0].Message
			}
			continue
		}
		var zones []apiZone
		if err := json.Unmarshal(res.env.Result, &zones); err != nil {
			continue
		}
		if len(zones) > 0 && zones[0].ID != "" {
			log.Debug().Str("domain", domain).Str("zone", candidate).Str("id", zones[0].ID).Msg("[dns] zone resolved")
			return zones[0].ID, nil
		}
	}

	hint := "no active zone matched; configure zoneMap or grant the token zone read access"
	if lastAPIErr != "" {
		hint += " (last api error: " + lastAPIErr + ")"
	}
	return "", &ZoneError{Domain: domain, Hint: hint}
}

func (c *Cloudflare) zoneFromMap(name string) string {
	best, bestLen := "", -1
	for suffix, id := range c.ZoneMap {
		s := strings.ToLower(strings.TrimSuffix(suffix, "."))
		if s == "" {
			continue
		}
		if (name == s || strings.HasSuffix(name, "."+s)) && len(s) > bestLen {
			best, bestLen = id, len(s)
		}
	}
	return best
}

// EnsureTXTRecord creates a TXT record unless an identical one already
// exists. Existing records are reused and reported with created=false so the
// caller knows not to clean them up.
func (c *Cloudflare) EnsureTXTRecord(ctx context.Context, zoneID, name, value string) (string, bool, error) {
	id, err := c.findTXT(ctx, zoneID, name, value)
	if err != nil {
		return "", false, err
	}
	if id != "" {
		log.Debug().Str("name", name).Str("record", id).Msg("[dns] txt record already present")
		return id, false, nil
	}

	res, err := c.api(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", nil, map[string]any{
		"type":    "TXT",
		"name":    name,
		"content": value,
		"ttl":     recordTTL,
	})
	if err != nil {
		return "", false, err
	}
	if !res.env.Success {
		if hasErrCode(res.env.Errors, errCodeRecordExists) {
			id, err := c.findTXT(ctx, zoneID, name, value)
			if err != nil {
				return "", false, err
			}
			if id != "" {
				return id, false, nil
			}
		}
		return "", false, &CreateError{Status: res.status, Body: truncate(string(res.body), maxErrorBody)}
	}

	var rec apiRecord
	if err := json.Unmarshal(res.env.Result, &rec); err != nil || rec.ID == "" {
		return "", false, &CreateError{Status: res.status, Body: truncate(string(res.body), maxErrorBody)}
	}
	log.Info().Str("name", name).Str("record", rec.ID).Msg("[dns] txt record created")
	return rec.ID, true, nil
}

func (c *Cloudflare) findTXT(ctx context.Context, zoneID, name, value string) (string, error) {
	res, err := c.api(ctx, http.MethodGet, "/zones/"+zoneID+"/dns_records", url.Values{
		"type":     []string{"TXT"},
		"name":     []string{name},
		"per_page": []string{"100"},
	}, nil)
	if err != nil {
		return "", err
	}
	if !res.env.Success {
		return "", &CreateError{Status: res.status, Body: truncate(string(res.body), maxErrorBody)}
	}
	var records []apiRecord
	if err := json.Unmarshal(res.env.Result, &records); err != nil {
		return "", fmt.Errorf("decode dns records: %w", err)
	}
	for _, r := range records {
		if r.Type == "TXT" && strings.EqualFold(r.Name, name) && txtContentEqual(r.Content, value) {
			return r.ID, nil
		}
	}
	return "", nil
}

// DeleteRecord removes one record. An empty 2xx body counts as success; some
// proxies strip the envelope from deletes.
func (c *Cloudflare) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	res, err := c.api(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+recordID, nil, nil)
	if err != nil {
		return err
	}
	if res.status >= 200 && res.status <= 299 && (res.env.Success || len(res.body) == 0) {
		log.Debug().Str("record", recordID).Msg("[dns] txt record deleted")
		return nil
	}
	return &DeleteError{Status: res.status, Body: truncate(string(res.body), maxErrorBody)}
}

// TXT content may come back with surrounding quotes depending on how the
// record was created.
func txtContentEqual(a, b string) bool {
	return strings.Trim(a, `"`) == strings.Trim(b, `"`)
}

func hasErrCode(errs []apiError, code int) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
