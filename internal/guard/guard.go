// Package guard composes the pre-handler checks (rate limiting,
// authentication, authorization) that run before any domain logic.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vantage-api/vantage/internal/platform/httpx"
)

// Guard is one check in front of a handler. Evaluate either rejects the
// request by returning an error or passes it on, optionally with an enriched
// context (the authentication guard threads the Principal this way). Guards
// must be side-effect-free on rejection; the rate limiter's attempt
// bookkeeping is the single sanctioned exception.
type Guard interface {
	Name() string
	Evaluate(ctx context.Context, r *http.Request) (context.Context, error)
}

// Rejection is a guard failure carrying everything needed to render the
// response: HTTP status, a machine-readable code and an optional retry hint.
type Rejection struct {
	Status     int
	Title      string
	Code       string
	Detail     string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("guard: %s (%d)", r.Code, r.Status)
}

// Chain wraps the handler with the guards, evaluated strictly in the order
// given. The first rejection short-circuits the chain; the handler only ever
// runs after every guard passed, with the accumulated context.
func Chain(handler http.Handler, guards ...Guard) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, g := range guards {
			next, err := g.Evaluate(ctx, r)
			if err != nil {
				WriteRejection(w, err)
				return
			}
			ctx = next
		}
		handler.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WriteRejection renders a guard error. Non-Rejection errors are treated as
// internal faults so no detail leaks to the client.
func WriteRejection(w http.ResponseWriter, err error) {
	var rej *Rejection
	if !errors.As(err, &rej) {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if rej.RetryAfter > 0 {
		seconds := int64(rej.RetryAfter / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	httpx.JSON(w, rej.Status, httpx.ProblemDetail{
		Title:  rej.Title,
		Status: rej.Status,
		Detail: rej.Detail,
		Code:   rej.Code,
	})
}
