// Package affiliate fetches offers from affiliate networks and scores them
// with a Conversion Potential Score (CPS, 0-100).
package affiliate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/jakebbass/afilli/internal/store"
)

// ErrNotConfigured is returned by a fetcher whose credentials are missing.
var ErrNotConfigured = errors.New("credentials not configured")

// ErrUnauthorized is returned when a network rejects the credentials.
var ErrUnauthorized = errors.New("invalid credentials")

// Fetcher loads normalized offers from one network.
type Fetcher interface {
	// Name is the display name used in error messages ("AWIN").
	Name() string
	// Source is the offer source key ("awin").
	Source() string
	// Fetch returns the network's qualifying offers.
	Fetch(ctx context.Context) ([]store.Offer, error)
}

// SyncResult is the combined outcome of FetchAll.
type SyncResult struct {
	Offers []store.Offer  // every fetched offer, in fetcher order
	Counts map[string]int // offers fetched per source key
	Errors []string       // "Name: message" per failed fetcher
}

// FetchAll runs every fetcher concurrently. A failing fetcher is recorded in
// Errors and never cancels the others.
func FetchAll(ctx context.Context, fetchers ...Fetcher) *SyncResult {
	offers := make([][]store.Offer, len(fetchers))
	errs := make([]error, len(fetchers))

	var g errgroup.Group
	for i, f := range fetchers {
		g.Go(func() error {
			got, err := f.Fetch(ctx)
			if err != nil {
				errs[i] = err
				return nil
			}
			offers[i] = got
			return nil
		})
	}
	_ = g.Wait()

	res := &SyncResult{Counts: make(map[string]int, len(fetchers))}
	for i, f := range fetchers {
		res.Counts[f.Source()] = len(offers[i])
		if errs[i] != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.Name(), errs[i]))
			continue
		}
		res.Offers = append(res.Offers, offers[i]...)
	}
	return res
}

// StatusError is a non-2xx response from a network API.
type StatusError struct {
	Network    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error: %d %s", e.Network, e.StatusCode, http.StatusText(e.StatusCode))
}

// getJSON performs an authenticated GET and decodes the JSON body into out.
func getJSON(ctx context.Context, client *http.Client, network, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "afilli/1.0")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %w", network, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Network: network, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", network, err)
	}
	return nil
}

func bearer(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	return h
}

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}
