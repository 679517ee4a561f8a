package threat

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// maxDecodeRounds bounds repeated URL decoding of double-encoded payloads.
const maxDecodeRounds = 2

// Location names where a field came from.
type Location string

const (
	LocationPath  Location = "path"
	LocationQuery Location = "query"
	LocationBody  Location = "body"
)

// Field is one normalised value taken from a request.
type Field struct {
	Location Location
	Name     string
	Value    string
}

// Input is what rules evaluate: the sample, its normalised fields, and the
// per-identity counters the engine observed for this request.
type Input struct {
	Sample *admission.RequestSample
	Fields []Field
	// AuthPath reports whether the request targets an authentication endpoint.
	AuthPath bool
	// AuthFailures is the identity's current failure count in the rolling window.
	AuthFailures int
	Volume       VolumeStats
}

// normalize URL-decodes up to twice, applies NFKC and lowercases.
// Undecodable input is kept as decoded so far.
func normalize(s string, unescape func(string) (string, error)) string {
	for range maxDecodeRounds {
		if !strings.ContainsAny(s, "%+") {
			break
		}
		d, err := unescape(s)
		if err != nil || d == s {
			break
		}
		s = d
	}
	return strings.ToLower(norm.NFKC.String(s))
}

// fields extracts the normalised path, query values and body excerpt.
func fields(s *admission.RequestSample) []Field {
	out := make([]Field, 0, 4)

	path := s.RawPath()
	out = append(out, Field{
		Location: LocationPath,
		Value:    normalize(path, url.PathUnescape),
	})

	s.QueryValues(func(key, value string) {
		if value == "" {
			return
		}
		out = append(out, Field{
			Location: LocationQuery,
			Name:     key,
			Value:    normalize(value, url.QueryUnescape),
		})
	})

	if body := s.BodyExcerpt(); body != "" {
		out = append(out, Field{
			Location: LocationBody,
			Value:    normalize(body, url.QueryUnescape),
		})
	}
	return out
}
