package admission

import (
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"
)

// MaxBodyExcerpt is the maximum number of characters kept from a request body.
const MaxBodyExcerpt = 1000

// SampledHeaders are the request headers copied into a RequestSample.
var SampledHeaders = []string{
	"User-Agent",
	"Content-Type",
	"Referer",
	"Origin",
	"X-Requested-With",
}

// RequestSample is an immutable snapshot of one inbound request.
type RequestSample struct {
	identity    ClientIdentity
	userID      string
	requestID   string
	method      string
	path        string
	rawPath     string
	headers     http.Header
	query       url.Values
	bodyExcerpt string
	timestamp   time.Time
}

// SampleInput carries the raw values a RequestSample is built from.
type SampleInput struct {
	Identity  ClientIdentity
	UserID    string
	RequestID string
	Method    string
	Path      string
	// RawPath is the escaped path as received, if it differs from Path.
	RawPath   string
	Headers   http.Header
	Query     url.Values
	Body      []byte
	Timestamp time.Time
}

// NewRequestSample copies the input into an immutable sample. Only
// SampledHeaders are kept and the body is truncated to MaxBodyExcerpt characters.
func NewRequestSample(in SampleInput) *RequestSample {
	headers := make(http.Header, len(SampledHeaders))
	for _, h := range SampledHeaders {
		if v := in.Headers.Values(h); len(v) > 0 {
			headers[http.CanonicalHeaderKey(h)] = append([]string(nil), v...)
		}
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &RequestSample{
		identity:    in.Identity,
		userID:      in.UserID,
		requestID:   in.RequestID,
		method:      in.Method,
		path:        in.Path,
		rawPath:     in.RawPath,
		headers:     headers,
		query:       cloneValues(in.Query),
		bodyExcerpt: truncateRunes(in.Body, MaxBodyExcerpt),
		timestamp:   ts,
	}
}

func (s *RequestSample) Identity() ClientIdentity { return s.identity }
func (s *RequestSample) IP() string               { return s.identity.IP().String() }
func (s *RequestSample) UserID() string           { return s.userID }
func (s *RequestSample) RequestID() string        { return s.requestID }
func (s *RequestSample) Method() string           { return s.method }
func (s *RequestSample) Path() string             { return s.path }
func (s *RequestSample) BodyExcerpt() string      { return s.bodyExcerpt }
func (s *RequestSample) Timestamp() time.Time     { return s.timestamp }

// RawPath returns the escaped path, falling back to Path.
func (s *RequestSample) RawPath() string {
	if s.rawPath != "" {
		return s.rawPath
	}
	return s.path
}

// Header returns the first value of a sampled header.
func (s *RequestSample) Header(name string) string {
	return s.headers.Get(name)
}

// Headers returns a copy of the sampled headers.
func (s *RequestSample) Headers() http.Header {
	return s.headers.Clone()
}

// Query returns a copy of the query parameters.
func (s *RequestSample) Query() url.Values {
	return cloneValues(s.query)
}

// QueryValues calls fn for every query value without copying.
func (s *RequestSample) QueryValues(fn func(key, value string)) {
	for k, vs := range s.query {
		for _, v := range vs {
			fn(k, v)
		}
	}
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return url.Values{}
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// truncateRunes returns at most n characters of b, cut on a rune boundary.
func truncateRunes(b []byte, n int) string {
	if utf8.RuneCount(b) <= n {
		return string(b)
	}
	i, count := 0, 0
	for i < len(b) && count < n {
		_, size := utf8.DecodeRune(b[i:])
		i += size
		count++
	}
	return string(b[:i])
}
