package sheetstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

const (
	sheetsAPIBase = "https://sheets.googleapis.com/v4/spreadsheets"
	readRange     = "A1:AZ1000"
)

var spreadsheetURLRegex = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// ParseSpreadsheetURL extracts the spreadsheet ID and gid from a Google
// Sheets URL. An unparseable URL is a structural error.
func ParseSpreadsheetURL(raw string) (id, gid string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse spreadsheet URL %q: %w", raw, err)
	}
	m := spreadsheetURLRegex.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", fmt.Errorf("spreadsheet URL %q has no /spreadsheets/d/<id> segment", raw)
	}
	gid = "0"
	if g := u.Query().Get("gid"); g != "" {
		gid = g
	} else if frag, err := url.ParseQuery(u.Fragment); err == nil {
		if g := frag.Get("gid"); g != "" {
			gid = g
		}
	}
	return m[1], gid, nil
}

// GoogleStore reads and writes one sheet through the Sheets values API. The
// target tab is addressed either by an explicit sheet name or by the URL's
// gid, which is resolved to a title on first use.
type GoogleStore struct {
	spreadsheetID string
	sheetName     string
	gid           string
	apiKey        string
	token         string
	apiBase       string
	client        *http.Client
}

// NewGoogleStore builds a store for one spreadsheet. sheetName may be empty:
// then gid picks the tab ("" or "0" means the first sheet). Exactly one of
// apiKey/token is expected; token wins.
func NewGoogleStore(spreadsheetID, sheetName, gid, apiKey, token string) *GoogleStore {
	return &GoogleStore{
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		gid:           gid,
		apiKey:        apiKey,
		token:         token,
		apiBase:       sheetsAPIBase,
		client:        &http.Client{Timeout: 60 * time.Second},
	}
}

type valuesResponse struct {
	Values [][]string `json:"values"`
}

func (g *GoogleStore) rangeRef(ref string) string {
	if g.sheetName == "" {
		return ref
	}
	return g.sheetName + "!" + ref
}

// resolveSheet maps the gid to a sheet title through the spreadsheet
// metadata endpoint. Without it a gid-addressed URL would silently read the
// first tab.
func (g *GoogleStore) resolveSheet(ctx context.Context) error {
	if g.sheetName != "" || g.gid == "" || g.gid == "0" {
		return nil
	}
	endpoint := fmt.Sprintf("%s/%s?fields=sheets.properties", g.apiBase, g.spreadsheetID)
	body, err := g.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("fetch spreadsheet metadata: %w", err)
	}

	var meta struct {
		Sheets []struct {
			Properties struct {
				SheetID int64  `json:"sheetId"`
				Title   string `json:"title"`
			} `json:"properties"`
		} `json:"sheets"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("decode spreadsheet metadata: %w", err)
	}
	for _, sh := range meta.Sheets {
		if fmt.Sprintf("%d", sh.Properties.SheetID) == g.gid {
			g.sheetName = sh.Properties.Title
			return nil
		}
	}
	return fmt.Errorf("spreadsheet has no sheet with gid=%s", g.gid)
}

// Read fetches the sheet wholesale and builds a fresh snapshot.
func (g *GoogleStore) Read(ctx context.Context) (*model.SheetSnapshot, error) {
	if err := g.resolveSheet(ctx); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/%s/values/%s", g.apiBase, g.spreadsheetID,
		url.PathEscape(g.rangeRef(readRange)))

	body, err := g.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}

	var vr valuesResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fmt.Errorf("decode values response: %w", err)
	}
	return BuildSnapshot(vr.Values)
}

// Write updates one cell with RAW input semantics.
func (g *GoogleStore) Write(ctx context.Context, cellKey, value string) error {
	if err := g.resolveSheet(ctx); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/%s/values/%s?valueInputOption=RAW", g.apiBase,
		g.spreadsheetID, url.PathEscape(g.rangeRef(cellKey)))

	payload, err := json.Marshal(map[string]any{
		"range":  g.rangeRef(cellKey),
		"values": [][]string{{value}},
	})
	if err != nil {
		return fmt.Errorf("encode write payload: %w", err)
	}

	if _, err := g.do(ctx, http.MethodPut, endpoint, payload); err != nil {
		return fmt.Errorf("write cell %s: %w", cellKey, err)
	}
	return nil
}

// do performs one API call. Non-2xx responses propagate with the upstream
// error message attached; the caller decides whether to retry.
func (g *GoogleStore) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	if g.token == "" && g.apiKey != "" {
		sep := "?"
		if bytes.ContainsRune([]byte(endpoint), '?') {
			sep = "&"
		}
		endpoint += sep + "key=" + url.QueryEscape(g.apiKey)
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheets API request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sheets API %s: %s", resp.Status, apiErrorMessage(data))
	}
	return data, nil
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
