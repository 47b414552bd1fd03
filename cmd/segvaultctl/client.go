package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// segmentView mirrors httpx.SegmentView. The CLI only depends on the wire
// format, not on server packages.
type segmentView struct {
	Key       string `json:"key"`
	Filename  string `json:"filename"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	Length    int64  `json:"length"`
	Encrypted bool   `json:"encrypted"`
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, q url.Values, hdr http.Header) ([]byte, error) {
	u := strings.TrimSuffix(c.base, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	hc := c.http
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return body, nil
}

func segmentPath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/internal/segments/" + strings.Join(parts, "/")
}

func (c *client) get(ctx context.Context, key, rng string) ([]byte, error) {
	hdr := http.Header{}
	if rng != "" {
		hdr.Set("Range", rng)
	}
	return c.do(ctx, http.MethodGet, segmentPath(key), nil, hdr)
}

func (c *client) list(ctx context.Context, prefix string, limit, offset int) ([]segmentView, error) {
	q := url.Values{}
	q.Set("prefix", prefix)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	body, err := c.do(ctx, http.MethodGet, "/internal/segments", q, nil)
	if err != nil {
		return nil, err
	}
	var views []segmentView
	if err := json.Unmarshal(body, &views); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return views, nil
}

func (c *client) action(ctx context.Context, key, action string) error {
	_, err := c.do(ctx, http.MethodPost, segmentPath(key)+"/"+action, nil, nil)
	return err
}

func (c *client) purge(ctx context.Context, limit int) (int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.do(ctx, http.MethodPost, "/internal/purge", q, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Zeroed int `json:"zeroed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode purge: %w", err)
	}
	return out.Zeroed, nil
}

func (c *client) accounting(ctx context.Context, tenant, token string) ([]byte, error) {
	q := url.Values{}
	if tenant != "" {
		q.Set("tenant", tenant)
	}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	return c.do(ctx, http.MethodGet, "/debug/accounting", q, hdr)
}
