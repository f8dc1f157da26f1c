package retry

import (
	"context"
	"net/http"
	"time"
)

// Transport retries requests according to RetryOn, waiting between attempts
// as RetryStrategy dictates. Requests with a body must set GetBody so the
// body can be replayed.
type Transport struct {
	Base          http.RoundTripper
	RetryStrategy Strategy
	RetryOn       *On
}

func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	for retryCount := uint(0); ; retryCount++ {
		sleep, exceeded := t.retryStrategy().Sleep(retryCount)

		response, err := t.base().RoundTrip(request)

		retriable := false
		if !exceeded && t.RetryOn != nil {
			if err != nil {
				retriable = t.RetryOn.CheckError(err)
			} else {
				retriable = t.RetryOn.CheckResponse(response)
			}
		}
		if !retriable {
			return response, err
		}

		if response != nil {
			response.Body.Close()
		}
		if err := wait(request.Context(), sleep); err != nil {
			return nil, err
		}

		if request, err = rewind(request); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) retryStrategy() Strategy {
	if t.RetryStrategy != nil {
		return t.RetryStrategy
	}
	return NewNever()
}

func rewind(request *http.Request) (*http.Request, error) {
	if request.Body == nil || request.GetBody == nil {
		return request, nil
	}
	body, err := request.GetBody()
	if err != nil {
		return nil, err
	}
	clone := request.Clone(request.Context())
	clone.Body = body
	return clone, nil
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	return wait(ctx, d)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
