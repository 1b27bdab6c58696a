package testutil

import "time"

// Request records an HTTP request for testing/verification
type Request struct {
	Timestamp time.Time
	Method    string
	Path      string
	Query     string
	Header    map[string]string
	Body      map[string]interface{}
}

// FilterRequests filters requests by method and path
func FilterRequests(requests []Request, method, path string) []Request {
	var filtered []Request
	for _, req := range requests {
		if req.Method == method && req.Path == path {
			filtered = append(filtered, req)
		}
	}
	return filtered
}

// FindRequestWithBody finds the most recent request with a matching body key/value
func FindRequestWithBody(requests []Request, method, path, key string, value interface{}) *Request {
	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		if req.Method == method && req.Path == path {
			if val, ok := req.Body[key]; ok && val == value {
				return &req
			}
		}
	}
	return nil
}
