// Package twilight resolves the morning and evening reference instants for a
// date and location from the sunrise-sunset.org API.
package twilight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/shared/httputil"
)

// DefaultBaseURL is the public sunrise-sunset.org endpoint.
const DefaultBaseURL = "https://api.sunrise-sunset.org/json"

// ErrUnavailable is returned once the retry budget is spent.
var ErrUnavailable = errors.New("twilight data unavailable")

// Kind names a twilight event.
type Kind string

const (
	Sunrise           Kind = "sunrise"
	CivilBegin        Kind = "civil_begin"
	NauticalBegin     Kind = "nautical_begin"
	AstronomicalBegin Kind = "astronomical_begin"
	Sunset            Kind = "sunset"
	CivilEnd          Kind = "civil_end"
	NauticalEnd       Kind = "nautical_end"
	AstronomicalEnd   Kind = "astronomical_end"
)

var resultKeys = map[Kind]string{
	Sunrise:           "sunrise",
	CivilBegin:        "civil_twilight_begin",
	NauticalBegin:     "nautical_twilight_begin",
	AstronomicalBegin: "astronomical_twilight_begin",
	Sunset:            "sunset",
	CivilEnd:          "civil_twilight_end",
	NauticalEnd:       "nautical_twilight_end",
	AstronomicalEnd:   "astronomical_twilight_end",
}

// Valid reports whether k is one of the eight known kinds.
func (k Kind) Valid() bool {
	_, ok := resultKeys[k]
	return ok
}

// ResultKey returns the API field for k. Unknown kinds map to sunrise.
func (k Kind) ResultKey() string {
	if key, ok := resultKeys[k]; ok {
		return key
	}
	return resultKeys[Sunrise]
}

// Options configure a Resolver.
type Options struct {
	BaseURL     string
	Latitude    float64
	Longitude   float64
	Location    *time.Location
	Morning     Kind
	Evening     Kind
	HTTPTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
}

// Result holds the reference instants for one date. A nil field means the
// response did not carry it.
type Result struct {
	Date    string
	Morning *time.Time
	Evening *time.Time
}

// Complete reports whether both reference instants are present.
func (r Result) Complete() bool {
	return r.Morning != nil && r.Evening != nil
}

// Resolver fetches twilight data with bounded retry.
type Resolver struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger
}

func NewResolver(opts Options, log zerolog.Logger) *Resolver {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	client := opts.HTTPClient
	if client == nil {
		client = httputil.NewClient(opts.HTTPTimeout)
	}
	return &Resolver{opts: opts, client: client, log: log.With().Str("component", "twilight").Logger()}
}

type apiResponse struct {
	Results map[string]json.RawMessage `json:"results"`
	Status  string                     `json:"status"`
}

// Resolve returns the reference instants for date's calendar day. Transport,
// status and decode failures are retried; a parsed response is returned as is,
// even when the configured fields are missing.
func (r *Resolver) Resolve(ctx context.Context, date time.Time) (Result, error) {
	day := date.In(r.opts.Location).Format(time.DateOnly)
	endpoint := r.endpoint(day)
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			r.log.Debug().Int("attempt", attempt).Err(lastErr).Msg("twilight fetch failed, retrying")
			select {
			case <-time.After(r.opts.RetryDelay):
			case <-ctx.Done():
				return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
			}
		}
		results, err := r.fetch(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		return r.extract(day, results), nil
	}
	r.log.Warn().Err(lastErr).Int("retries", r.opts.MaxRetries).Msg("twilight fetch gave up")
	return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (r *Resolver) endpoint(day string) string {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(r.opts.Latitude, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(r.opts.Longitude, 'f', -1, 64))
	q.Set("formatted", "0")
	q.Set("date", day)
	sep := "?"
	if strings.Contains(r.opts.BaseURL, "?") {
		sep = "&"
	}
	return r.opts.BaseURL + sep + q.Encode()
}

func (r *Resolver) fetch(ctx context.Context, endpoint string) (map[string]json.RawMessage, error) {
	body, _, err := httputil.GetJSON(ctx, r.client, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode twilight response: %w", err)
	}
	if parsed.Results == nil {
		return nil, fmt.Errorf("twilight response has no results (status %q)", parsed.Status)
	}
	return parsed.Results, nil
}

func (r *Resolver) extract(day string, results map[string]json.RawMessage) Result {
	res := Result{Date: day}
	res.Morning = r.instant(results, r.opts.Morning)
	res.Evening = r.instant(results, r.opts.Evening)
	return res
}

func (r *Resolver) instant(results map[string]json.RawMessage, kind Kind) *time.Time {
	key := kind.ResultKey()
	raw, ok := results[key]
	if !ok {
		return nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil || value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		r.log.Debug().Str("field", key).Str("value", value).Msg("unparsable twilight instant")
		return nil
	}
	local := parsed.In(r.opts.Location)
	return &local
}
