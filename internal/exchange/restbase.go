package exchange

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewRESTClient builds a resty client pre-configured with the retry/
// backoff policy every venue adapter shares, grounded on the teacher's
// exchange/client.go NewClient: 10s timeout, 3 retries, 500ms-5s backoff,
// retry on 5xx or transport error (spec section 7's "transient network"
// recovery policy).
func NewRESTClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
}
