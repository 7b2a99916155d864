// Package lookup resolves Autonomous System ownership through the BGPView
// HTTP API. The client rate-limits itself; the upstream quota surfaces as
// tea.ErrRateLimited so the engine can degrade instead of hammering it.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tea"
)

const defaultBase = "https://api.bgpview.io"

type Client struct {
	base    string
	client  *http.Client
	limiter *rate.Limiter
}

type Option func(*Client)

func WithBase(base string) Option {
	return func(c *Client) { c.base = base }
}

func WithRate(interval time.Duration) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Every(interval), 1) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		base:    defaultBase,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type asnData struct {
	ASN         int    `json:"asn"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ipResponse struct {
	Status string `json:"status"`
	Data   struct {
		Prefixes []struct {
			Prefix string  `json:"prefix"`
			ASN    asnData `json:"asn"`
		} `json:"prefixes"`
	} `json:"data"`
}

type prefixesResponse struct {
	Status string `json:"status"`
	Data   struct {
		IPv4Prefixes []struct {
			Prefix string `json:"prefix"`
		} `json:"ipv4_prefixes"`
	} `json:"data"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build lookup request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "lookup request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return tea.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return errors.Errorf("lookup returned %s", resp.Status)
	}

	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "malformed lookup response")
}

// Lookup resolves the announcing AS for one address. The most specific
// announced prefix wins when several cover the address.
func (c *Client) Lookup(ctx context.Context, addr netip.Addr) (*tea.ASNRecord, error) {
	var resp ipResponse
	if err := c.get(ctx, "/ip/"+addr.String(), &resp); err != nil {
		return nil, err
	}

	var record *tea.ASNRecord
	for _, p := range resp.Data.Prefixes {
		if p.ASN.ASN == 0 {
			continue
		}
		prefix, err := netip.ParsePrefix(p.Prefix)
		if err != nil || !prefix.Addr().Is4() {
			continue
		}
		if record != nil && prefix.Bits() <= record.Subnet.Bits() {
			continue
		}
		record = &tea.ASNRecord{
			Number:      strconv.Itoa(p.ASN.ASN),
			Name:        p.ASN.Name,
			Description: p.ASN.Description,
			Subnet:      prefix,
		}
	}
	if record == nil {
		return nil, errors.Errorf("no ASN announces %s", addr)
	}
	return record, nil
}

// LookupSubnets lists every IPv4 prefix the AS announces
func (c *Client) LookupSubnets(ctx context.Context, number string) ([]netip.Prefix, error) {
	var resp prefixesResponse
	if err := c.get(ctx, fmt.Sprintf("/asn/%s/prefixes", number), &resp); err != nil {
		return nil, err
	}

	prefixes := make([]netip.Prefix, 0, len(resp.Data.IPv4Prefixes))
	for _, p := range resp.Data.IPv4Prefixes {
		prefix, err := netip.ParsePrefix(p.Prefix)
		if err != nil || !prefix.Addr().Is4() {
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}
