// Package weather fetches current conditions from the OpenWeather API.
package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.openweathermap.org"
	defaultTimeout = 8 * time.Second
	maxBodyBytes   = 1 << 20
)

var (
	ErrNoAPIKey    = errors.New("weather: api key missing")
	ErrNotFound    = errors.New("weather: city not found")
	ErrUnavailable = errors.New("weather: service unavailable")
)

// Report is the current conditions for one city.
type Report struct {
	City        string
	Description string
	TempC       float64
	FeelsLikeC  float64
	Humidity    int
	WindSpeed   float64
}

func (r Report) String() string {
	return fmt.Sprintf("The weather in %s is %s with temperature %.1f°C and humidity %d%%. Wind speed is %.1f metres per second.",
		r.City, r.Description, r.TempC, r.Humidity, r.WindSpeed)
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// Current returns metric conditions for city.
func (c *Client) Current(ctx context.Context, city string) (Report, error) {
	if !c.Configured() {
		return Report{}, ErrNoAPIKey
	}
	city = strings.TrimSpace(city)
	if city == "" {
		return Report{}, ErrNotFound
	}

	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+q.Encode(), nil)
	if err != nil {
		return Report{}, fmt.Errorf("create weather request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Report{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Report{}, fmt.Errorf("%w: %s", ErrNotFound, city)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Report{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return parse(city, raw)
}

func parse(city string, raw []byte) (Report, error) {
	if !gjson.ValidBytes(raw) {
		return Report{}, fmt.Errorf("%w: malformed response", ErrUnavailable)
	}
	doc := gjson.ParseBytes(raw)

	// cod is a number on success and sometimes a string on errors
	if cod := doc.Get("cod"); cod.Exists() && cod.String() != "200" {
		if cod.String() == "404" {
			return Report{}, fmt.Errorf("%w: %s", ErrNotFound, city)
		}
		return Report{}, fmt.Errorf("%w: %s", ErrUnavailable, doc.Get("message").String())
	}
	temp := doc.Get("main.temp")
	if !temp.Exists() {
		return Report{}, fmt.Errorf("%w: missing temperature", ErrUnavailable)
	}

	name := doc.Get("name").String()
	if name == "" {
		name = city
	}
	return Report{
		City:        name,
		Description: doc.Get("weather.0.description").String(),
		TempC:       temp.Float(),
		FeelsLikeC:  doc.Get("main.feels_like").Float(),
		Humidity:    int(doc.Get("main.humidity").Int()),
		WindSpeed:   doc.Get("wind.speed").Float(),
	}, nil
}
