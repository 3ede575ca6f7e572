package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ruteri/managed-identity-credentials/common"
	"github.com/ruteri/managed-identity-credentials/interfaces"
	"github.com/ruteri/managed-identity-credentials/metrics"
)

const maxResponseBytes = 1 << 20

const (
	DefaultMaxRetries   = 3
	DefaultRetryWaitMin = 500 * time.Millisecond
	DefaultRetryWaitMax = 5 * time.Second
)

type FetcherOptions struct {
	// HTTPClient defaults to a pooled go-cleanhttp client.
	HTTPClient *http.Client
	// MaxRetries defaults to DefaultMaxRetries; negative disables retries.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Log          *common.Logger
}

// Fetcher requests credentials from the managed-identity endpoint.
type Fetcher struct {
	client *retryablehttp.Client
	log    *common.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	log := opts.Log
	if log == nil {
		log = common.DiscardLogger()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	retries := opts.MaxRetries
	switch {
	case retries == 0:
		retries = DefaultMaxRetries
	case retries < 0:
		retries = 0
	}
	waitMin, waitMax := opts.RetryWaitMin, opts.RetryWaitMax
	if waitMin <= 0 {
		waitMin = DefaultRetryWaitMin
	}
	if waitMax < waitMin {
		waitMax = max(DefaultRetryWaitMax, waitMin)
	}

	client := &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: waitMin,
		RetryWaitMax: waitMax,
		RetryMax:     retries,
		CheckRetry:   RetryPolicy,
		Backoff:      retryablehttp.LinearJitterBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	// retryablehttp logs request URLs, which carry identity selectors.
	if log.PiiEnabled() {
		client.Logger = log.Logger
	}

	return &Fetcher{
		client: client,
		log:    log,
	}
}

// RetryPolicy retries connection failures and the statuses the identity
// endpoint uses for transient conditions.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound,
		code == http.StatusRequestTimeout,
		code == http.StatusGone,
		code == http.StatusTooManyRequests:
		return true, nil
	case code >= 500 && code != http.StatusNotImplemented:
		return true, nil
	default:
		return false, nil
	}
}

// serviceErrorBody is the error shape returned by the identity endpoint.
type serviceErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Fetch sends one credential request, including retries.
func (f *Fetcher) Fetch(ctx context.Context, req interfaces.FetchRequest) (*interfaces.CredentialResponse, error) {
	if req.Certificate == nil {
		return nil, errors.New("credential request requires a binding certificate")
	}

	requestURL, err := BuildURL(req.Endpoint, req.Selector)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(NewRequestBody(req.Certificate))
	if err != nil {
		return nil, fmt.Errorf("could not encode credential request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("could not create credential request: %w", err)
	}
	httpReq.Header.Set(MetadataHeader, "true")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", common.PackageName+"/"+common.Version)
	if req.CorrelationID != "" {
		httpReq.Header.Set(CorrelationIDHeader, req.CorrelationID)
	}

	log := f.log.With("correlation_id", req.CorrelationID)
	log.InfoPii(fmt.Sprintf("Requesting credential from %s for %s", req.Endpoint, req.Selector), "Requesting credential")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, f.transportError(ctx, log, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, f.transportError(ctx, log, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, f.statusError(log, resp.StatusCode, respBody)
	}

	var cr interfaces.CredentialResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		metrics.CredentialFetches.WithLabelValues("invalid").Inc()
		log.ErrorPii(fmt.Sprintf("Could not decode credential response: %v", err), "Could not decode credential response")
		return nil, interfaces.NewError(interfaces.ErrCodeCredentialResponseInvalid, "could not decode credential response", err)
	}

	metrics.CredentialFetches.WithLabelValues("success").Inc()
	log.Info("Received credential", "expires_on", cr.ExpiresOn, "identity_type", cr.IdentityType)
	return &cr, nil
}

func (f *Fetcher) transportError(ctx context.Context, log *common.Logger, err error) error {
	if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("credential request cancelled: %w", err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		metrics.CredentialFetches.WithLabelValues("timeout").Inc()
		log.ErrorPii(fmt.Sprintf("Identity endpoint did not answer in time: %v", err), "Identity endpoint did not answer in time")
		return interfaces.NewError(interfaces.ErrCodeEndpointUnreachable, "identity endpoint was unreachable in time", err)
	}

	metrics.CredentialFetches.WithLabelValues("transport_error").Inc()
	log.ErrorPii(fmt.Sprintf("Credential request failed: %v", err), "Credential request failed")
	return interfaces.NewError(interfaces.ErrCodeTransportFailed, "credential request failed", err)
}

func (f *Fetcher) statusError(log *common.Logger, status int, body []byte) error {
	var se serviceErrorBody
	if err := json.Unmarshal(body, &se); err == nil && se.Error != "" {
		metrics.CredentialFetches.WithLabelValues("rejected").Inc()
		log.ErrorPii(fmt.Sprintf("Identity endpoint rejected the request: %s: %s", se.Error, se.ErrorDescription),
			"Identity endpoint rejected the request", "status", status, "error", se.Error)

		mie := interfaces.NewError(interfaces.ErrCodeRequestRejected, se.Error, nil)
		if se.ErrorDescription != "" {
			mie.Message += ": " + se.ErrorDescription
		}
		mie.StatusCode = status
		return mie
	}

	metrics.CredentialFetches.WithLabelValues("transport_error").Inc()
	log.Error("Identity endpoint returned an unexpected status", "status", status)
	mie := interfaces.NewError(interfaces.ErrCodeTransportFailed, "identity endpoint returned an unexpected status", nil)
	mie.StatusCode = status
	return mie
}
