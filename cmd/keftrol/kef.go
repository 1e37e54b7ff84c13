package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// KEF W2 platform JSON API paths.
const (
	kefPathSource = "settings:/kef/play/physicalSource"
	kefPathVolume = "player:volume"
	kefPathMute   = "settings:/mediaPlayer/mute"
)

// kefValue is the typed value wrapper the speaker uses for both reads and writes,
// e.g. {"type":"i32_","i32_":35}.
type kefValue struct {
	Type           string  `json:"type"`
	I32            *int    `json:"i32_,omitempty"`
	Bool           *bool   `json:"bool_,omitempty"`
	PhysicalSource *string `json:"kefPhysicalSource,omitempty"`
}

// KEFClient talks to a KEF speaker over its local HTTP API.
type KEFClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger

	// reads shares one outstanding request per path. A caller that gives up
	// leaves the request running, and the next read of that path joins it
	// instead of stacking another request on a slow speaker.
	reads singleflight.Group
}

var _ DeviceClient = (*KEFClient)(nil)

// NewKEFClient creates a client for the speaker at address ("192.168.1.20",
// "speaker.lan:80" or a full http:// URL). No request is made until first use.
func NewKEFClient(address string, timeout time.Duration, logger *slog.Logger) (*KEFClient, error) {
	base, err := kefBaseURL(address)
	if err != nil {
		return nil, err
	}
	return &KEFClient{
		baseURL: base,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

func kefBaseURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("speaker address is empty")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid speaker address: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid speaker address %q: missing host", address)
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"), nil
}

// do performs one API request and returns the raw body.
func (c *KEFClient) do(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	reqURL := c.baseURL + "/api/" + endpoint + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrDeviceUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrProtocol, resp.StatusCode)
	}
	return body, nil
}

func isNetTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// getData reads a single value at path. The request runs on the client's own
// deadline; ctx only bounds how long this caller waits for it.
func (c *KEFClient) getData(ctx context.Context, path string) (kefValue, error) {
	ch := c.reads.DoChan(path, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		body, err := c.do(rctx, "getData", url.Values{"path": {path}, "roles": {"value"}})
		if err != nil {
			return kefValue{}, err
		}

		var values []kefValue
		if err := json.Unmarshal(body, &values); err != nil {
			return kefValue{}, fmt.Errorf("%w: decode %s: %v", ErrProtocol, path, err)
		}
		if len(values) == 0 {
			return kefValue{}, fmt.Errorf("%w: empty response for %s", ErrProtocol, path)
		}
		return values[0], nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return kefValue{}, r.Err
		}
		return r.Val.(kefValue), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return kefValue{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return kefValue{}, fmt.Errorf("%w: %v", ErrDeviceUnreachable, ctx.Err())
	}
}

// setData writes value at path.
func (c *KEFClient) setData(ctx context.Context, path string, value kefValue) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	_, err = c.do(ctx, "setData", url.Values{
		"path":  {path},
		"roles": {"value"},
		"value": {string(payload)},
	})
	return err
}

// GetSource queries the active physical input.
func (c *KEFClient) GetSource(ctx context.Context) (Source, error) {
	v, err := c.getData(ctx, kefPathSource)
	if err != nil {
		return SourceUnknown, fmt.Errorf("get source: %w", err)
	}
	if v.PhysicalSource == nil {
		return SourceUnknown, fmt.Errorf("get source: %w: missing kefPhysicalSource (type %q)", ErrProtocol, v.Type)
	}
	src, err := ParseSource(*v.PhysicalSource)
	if err != nil {
		// "standby" and friends are not selectable inputs.
		return SourceUnknown, fmt.Errorf("get source: %w: %v", ErrProtocol, err)
	}

	c.logger.Debug("GetSource", "source", src)
	return src, nil
}

// SetSource switches the active physical input.
func (c *KEFClient) SetSource(ctx context.Context, src Source) error {
	name := string(src)
	if err := c.setData(ctx, kefPathSource, kefValue{Type: "kefPhysicalSource", PhysicalSource: &name}); err != nil {
		return fmt.Errorf("set source: %w", err)
	}
	c.logger.Debug("SetSource", "source", src)
	return nil
}

// GetVolume queries the current volume. The raw device value is returned
// unclamped; the engine clamps before caching.
func (c *KEFClient) GetVolume(ctx context.Context) (int, error) {
	v, err := c.getData(ctx, kefPathVolume)
	if err != nil {
		return 0, fmt.Errorf("get volume: %w", err)
	}
	if v.I32 == nil {
		return 0, fmt.Errorf("get volume: %w: missing i32_ (type %q)", ErrProtocol, v.Type)
	}

	c.logger.Debug("GetVolume", "volume", *v.I32)
	return *v.I32, nil
}

// SetVolume sets the volume (0-100).
func (c *KEFClient) SetVolume(ctx context.Context, volume int) error {
	if err := c.setData(ctx, kefPathVolume, kefValue{Type: "i32_", I32: &volume}); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	c.logger.Debug("SetVolume", "volume", volume)
	return nil
}

// GetMuted queries the mute state.
func (c *KEFClient) GetMuted(ctx context.Context) (bool, error) {
	v, err := c.getData(ctx, kefPathMute)
	if err != nil {
		return false, fmt.Errorf("get mute: %w", err)
	}
	if v.Bool == nil {
		return false, fmt.Errorf("get mute: %w: missing bool_ (type %q)", ErrProtocol, v.Type)
	}

	c.logger.Debug("GetMuted", "muted", *v.Bool)
	return *v.Bool, nil
}

func (c *KEFClient) Mute(ctx context.Context) error   { return c.setMute(ctx, true) }
func (c *KEFClient) Unmute(ctx context.Context) error { return c.setMute(ctx, false) }

func (c *KEFClient) setMute(ctx context.Context, muted bool) error {
	if err := c.setData(ctx, kefPathMute, kefValue{Type: "bool_", Bool: &muted}); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	c.logger.Debug("SetMute", "muted", muted)
	return nil
}
