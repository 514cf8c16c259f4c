// Package convert talks to the media conversion service used by the direct
// downloader.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultEndpoint = "https://c.blahaj.ca/"

var (
	// ErrNoURL is returned when the service answered with JSON but no download url.
	ErrNoURL = errors.New("convert: no download url in response")
	// ErrBadResponse is returned when the service answered with something other than JSON.
	ErrBadResponse = errors.New("convert: unreadable response")
)

// NetworkError wraps a transport failure.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return "convert: network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// Request is the service's JSON body. Empty fields are omitted.
type Request struct {
	URL               string `json:"url"`
	DownloadMode      string `json:"downloadMode,omitempty"`
	FilenameStyle     string `json:"filenameStyle,omitempty"`
	VideoQuality      string `json:"videoQuality,omitempty"`
	YoutubeVideoCodec string `json:"youtubeVideoCodec,omitempty"`
	AudioFormat       string `json:"audioFormat,omitempty"`
	AudioBitrate      string `json:"audioBitrate,omitempty"`
	YoutubeDubLang    string `json:"youtubeDubLang,omitempty"`
}

type Result struct {
	Status string `json:"status,omitempty"`
	URL    string `json:"url"`
	Name   string `json:"filename,omitempty"`
}

type Client struct {
	Endpoint string
	HTTP     *http.Client
}

func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{Endpoint: endpoint, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// Convert issues one POST. There is no retry.
func (c *Client) Convert(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("Content-Type", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hr)
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}
	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	if out.URL == "" {
		return out, ErrNoURL
	}
	return out, nil
}
