package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/carebridge/gatekeeper/pkg/apierror"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/jwt"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// bodyPeekBytes is enough bytes to hold MaxBodyExcerpt characters of UTF-8.
const bodyPeekBytes = admission.MaxBodyExcerpt * 4

// Evaluator decides whether a request may proceed.
type Evaluator interface {
	Evaluate(ctx context.Context, sample *admission.RequestSample) admission.Result
}

// AuthFeedback receives the outcome of requests to authentication endpoints.
type AuthFeedback interface {
	IsAuthPath(path string) bool
	RecordAuthFailure(id admission.ClientIdentity) int
	RecordAuthSuccess(id admission.ClientIdentity)
}

// AdmissionConfig configures the admission middleware.
type AdmissionConfig struct {
	// TrustProxyHeaders enables X-Real-IP / X-Forwarded-For.
	TrustProxyHeaders bool
	// APIKeyHeader names the header whose value distinguishes identities behind one IP.
	APIKeyHeader string
	// Verifier attributes requests to a user when set. Invalid tokens are ignored.
	Verifier *jwt.Verifier
	// Feedback is told about responses on authentication endpoints. Optional.
	Feedback AuthFeedback
	// Now overrides the sample timestamp source.
	Now func() time.Time
}

// Admission runs every request through the evaluator and answers Block with
// 403 and Throttle with 429. Allowed requests continue with the body intact.
// A request whose client address cannot be parsed is denied with 403.
func Admission(eval Evaluator, cfg AdmissionConfig, log *logger.Logger) func(http.Handler) http.Handler {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log = log.With("component", "admission_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// An unattributable request never reaches the pipeline.
			ip, ok := ClientIP(r, cfg.TrustProxyHeaders)
			if !ok {
				log.Warn("security: unparseable client address, request denied",
					"remote_addr", r.RemoteAddr,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.Forbidden("Access denied").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}
			identity := admission.NewClientIdentity(ip, r.Header.Get(cfg.APIKeyHeader))

			body, err := peekBody(r, bodyPeekBytes)
			if err != nil {
				if IsBodyLimitError(err) {
					HandleBodyLimitError(w, r)
					return
				}
				log.Debug("request body read failed", "error", err, "request_id", GetRequestID(r.Context()))
			}

			ctx := r.Context()
			userID := ""
			if cfg.Verifier != nil {
				if claims, err := cfg.Verifier.VerifyHeader(r.Header.Get("Authorization")); err == nil {
					userID = claims.Principal()
					ctx = context.WithValue(ctx, UserIDKey, userID)
				}
			}

			requestID := GetRequestID(ctx)
			sample := admission.NewRequestSample(admission.SampleInput{
				Identity:  identity,
				UserID:    userID,
				RequestID: requestID,
				Method:    r.Method,
				Path:      r.URL.Path,
				RawPath:   r.URL.EscapedPath(),
				Headers:   r.Header,
				Query:     r.URL.Query(),
				Body:      body,
				Timestamp: cfg.Now(),
			})

			res := eval.Evaluate(ctx, sample)
			switch res.Decision {
			case admission.DecisionBlock:
				blockError(res).WriteJSONWithRequestID(w, requestID)
				return
			case admission.DecisionThrottle:
				apierror.RateLimitExceeded(res.Reason, res.RetryAfter).WriteJSONWithRequestID(w, requestID)
				return
			}

			r = r.WithContext(ctx)
			if cfg.Feedback == nil || !cfg.Feedback.IsAuthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			wrapped := wrapResponse(w)
			next.ServeHTTP(wrapped, r)
			recordAuthOutcome(cfg.Feedback, identity, wrapped.statusCode, log)
		})
	}
}

func blockError(res admission.Result) *apierror.Error {
	if res.Code == admission.ReasonNotAllowed {
		return apierror.Forbidden(res.Reason)
	}
	return apierror.AccessBlocked(res.Reason)
}

func recordAuthOutcome(fb AuthFeedback, id admission.ClientIdentity, status int, log *logger.Logger) {
	switch {
	case status == http.StatusUnauthorized:
		if n := fb.RecordAuthFailure(id); n > 1 {
			log.Debug("repeated authentication failure", "identity", id.Key(), "failures", n)
		}
	case status >= 200 && status < 300:
		fb.RecordAuthSuccess(id)
	}
}

// peekBody reads up to n bytes of the request body and puts them back in front
// of the unread remainder so the downstream handler sees the whole body.
func peekBody(r *http.Request, n int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, n))
	r.Body = readCloser{
		Reader: io.MultiReader(bytes.NewReader(buf), r.Body),
		Closer: r.Body,
	}
	return buf, err
}

type readCloser struct {
	io.Reader
	io.Closer
}
