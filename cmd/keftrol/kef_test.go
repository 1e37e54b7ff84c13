package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeKEFServer emulates the speaker's getData/setData endpoints.
type fakeKEFServer struct {
	mu     sync.Mutex
	values map[string]kefValue
	status int
}

func newFakeKEFServer() *fakeKEFServer {
	src, vol, mute := "wifi", 35, false
	return &fakeKEFServer{
		values: map[string]kefValue{
			kefPathSource: {Type: "kefPhysicalSource", PhysicalSource: &src},
			kefPathVolume: {Type: "i32_", I32: &vol},
			kefPathMute:   {Type: "bool_", Bool: &mute},
		},
	}
}

func (s *fakeKEFServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != 0 {
		w.WriteHeader(s.status)
		return
	}

	q := r.URL.Query()
	path := q.Get("path")
	switch r.URL.Path {
	case "/api/getData":
		v, ok := s.values[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode([]kefValue{v})
	case "/api/setData":
		var v kefValue
		if err := json.Unmarshal([]byte(q.Get("value")), &v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.values[path] = v
		_, _ = w.Write([]byte("{}"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestKEFClient(t *testing.T, h http.Handler) *KEFClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewKEFClient(srv.URL, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("NewKEFClient: %v", err)
	}
	return c
}

func TestKEFClient_ReadsAndWrites(t *testing.T) {
	c := newTestKEFClient(t, newFakeKEFServer())
	ctx := context.Background()

	src, err := c.GetSource(ctx)
	if err != nil || src != SourceWiFi {
		t.Fatalf("GetSource = (%v, %v)", src, err)
	}
	vol, err := c.GetVolume(ctx)
	if err != nil || vol != 35 {
		t.Fatalf("GetVolume = (%v, %v)", vol, err)
	}

	if err := c.SetSource(ctx, SourceOptical); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	if err := c.SetVolume(ctx, 48); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if err := c.Mute(ctx); err != nil {
		t.Fatalf("Mute: %v", err)
	}

	if src, _ := c.GetSource(ctx); src != SourceOptical {
		t.Errorf("expected optical after SetSource, got %s", src)
	}
	if vol, _ := c.GetVolume(ctx); vol != 48 {
		t.Errorf("expected 48 after SetVolume, got %d", vol)
	}
	if muted, _ := c.GetMuted(ctx); !muted {
		t.Error("expected muted after Mute")
	}
}

func TestKEFClient_HTTPErrorIsProtocolError(t *testing.T) {
	fake := newFakeKEFServer()
	fake.status = http.StatusInternalServerError
	c := newTestKEFClient(t, fake)

	_, err := c.GetVolume(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestKEFClient_StandbySourceIsProtocolError(t *testing.T) {
	fake := newFakeKEFServer()
	standby := "standby"
	fake.values[kefPathSource] = kefValue{Type: "kefPhysicalSource", PhysicalSource: &standby}
	c := newTestKEFClient(t, fake)

	_, err := c.GetSource(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestKEFClient_EmptyResponseIsProtocolError(t *testing.T) {
	c := newTestKEFClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))

	_, err := c.GetMuted(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestKEFClient_UnreachableSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := NewKEFClient(addr, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("NewKEFClient: %v", err)
	}
	_, err = c.GetVolume(context.Background())
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Fatalf("expected ErrDeviceUnreachable, got %v", err)
	}
}

// stallingKEF answers getData for volume only after release is closed.
type stallingKEF struct {
	release chan struct{}

	mu       sync.Mutex
	requests int
	answered int
}

func (s *stallingKEF) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	select {
	case <-s.release:
	case <-r.Context().Done():
		return
	}

	s.mu.Lock()
	s.answered++
	s.mu.Unlock()
	vol := 20
	_ = json.NewEncoder(w).Encode([]kefValue{{Type: "i32_", I32: &vol}})
}

func (s *stallingKEF) counts() (requests, answered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, s.answered
}

func TestKEFClient_TimedOutReadIsJoinedNotRepeated(t *testing.T) {
	h := &stallingKEF{release: make(chan struct{})}
	c := newTestKEFClient(t, h)

	read := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.GetVolume(ctx)
		return err
	}

	if err := read(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	waitUntil(t, time.Second, func() bool { n, _ := h.counts(); return n == 1 }, "first request never reached the speaker")

	// The speaker is still working on the first request.
	if err := read(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n, _ := h.counts(); n != 1 {
		t.Fatalf("expected the second read to join the outstanding request, got %d requests", n)
	}

	// The abandoned request is not canceled with its caller and completes.
	close(h.release)
	waitUntil(t, time.Second, func() bool { _, done := h.counts(); return done == 1 }, "outstanding request was canceled")

	vol, err := c.GetVolume(context.Background())
	if err != nil || vol != 20 {
		t.Fatalf("GetVolume = (%v, %v)", vol, err)
	}
}

func TestKEFBaseURL(t *testing.T) {
	cases := map[string]string{
		"192.168.1.20":         "http://192.168.1.20",
		"speaker.lan:8080":     "http://speaker.lan:8080",
		"http://10.0.0.5/":     "http://10.0.0.5",
		"  192.168.1.20  ":     "http://192.168.1.20",
		"https://kef.home:443": "https://kef.home:443",
	}
	for in, want := range cases {
		got, err := kefBaseURL(in)
		if err != nil {
			t.Errorf("kefBaseURL(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("kefBaseURL(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := kefBaseURL(""); err == nil {
		t.Error("expected error for empty address")
	}
}
