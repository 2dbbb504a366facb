// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// endpointCall records one request received by fakeDiscord.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
	Auth   string
	At     time.Time
}

// cannedResponse is one scripted reply.
type cannedResponse struct {
	Status int
	Header map[string]string
	Body   string
}

// fakeDiscord is an httptest server that replays scripted responses per
// path and records every call.
type fakeDiscord struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []endpointCall
	responses map[string][]cannedResponse
}

func newFakeDiscord() *fakeDiscord {
	f := &fakeDiscord{responses: make(map[string][]cannedResponse)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeDiscord) Close() {
	f.Server.Close()
}

// Script queues responses for "METHOD /path". The last one repeats.
func (f *fakeDiscord) Script(key string, responses ...cannedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = append(f.responses[key], responses...)
}

func (f *fakeDiscord) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeDiscord) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
		Auth:   r.Header.Get("Authorization"),
		At:     time.Now(),
	})
	queue := f.responses[key]
	var resp cannedResponse
	switch {
	case len(queue) == 0:
		resp = cannedResponse{Status: http.StatusNotFound, Body: `{"message":"Unknown route","code":0}`}
	case len(queue) == 1:
		resp = queue[0]
	default:
		resp = queue[0]
		f.responses[key] = queue[1:]
	}
	f.mu.Unlock()

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

func newTestClient(f *fakeDiscord) *Client {
	return NewClient(Config{
		BaseURL:        f.Server.URL,
		Token:          "test-token",
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
		GlobalRate:     -1,
	}, zerolog.Nop())
}
