package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Response is a canned reply for one route.
type Response struct {
	Status int
	Body   interface{}
	Header map[string]string
}

// MockVendorAPI is a scripted JSON HTTP API. Each route replays its queued
// responses in order and then repeats the last one.
type MockVendorAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	routes   map[string][]Response
	requests []Request
}

// NewMockVendorAPI starts a server on a random local port.
func NewMockVendorAPI() *MockVendorAPI {
	m := &MockVendorAPI{routes: make(map[string][]Response)}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the base URL of the server.
func (m *MockVendorAPI) URL() string {
	return m.server.URL
}

// Close stops the server.
func (m *MockVendorAPI) Close() {
	m.server.Close()
}

// Handle replaces the responses for method and path.
func (m *MockVendorAPI) Handle(method, path string, responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[method+" "+path] = responses
}

// JSON is Handle with a single 200 response.
func (m *MockVendorAPI) JSON(method, path string, body interface{}) {
	m.Handle(method, path, Response{Status: http.StatusOK, Body: body})
}

// Requests returns every request received so far.
func (m *MockVendorAPI) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CountRequests counts requests matching method and path.
func (m *MockVendorAPI) CountRequests(method, path string) int {
	return len(FilterRequests(m.Requests(), method, path))
}

func (m *MockVendorAPI) serve(w http.ResponseWriter, r *http.Request) {
	req := Request{
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Header:    make(map[string]string),
	}
	for k := range r.Header {
		req.Header[k] = r.Header.Get(k)
	}
	if data, err := io.ReadAll(r.Body); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &req.Body)
	}

	key := r.Method + " " + r.URL.Path
	m.mu.Lock()
	m.requests = append(m.requests, req)
	queue, ok := m.routes[key]
	var resp Response
	if ok && len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			m.routes[key] = queue[1:]
		}
	}
	m.mu.Unlock()

	if !ok || len(queue) == 0 {
		http.NotFound(w, r)
		return
	}

	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}
	if raw, isRaw := resp.Body.(string); isRaw {
		w.WriteHeader(status)
		io.WriteString(w, raw)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp.Body)
}
