package clearinghouse

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps outbound requests per second across all workers.
	RPS float64
}

// HTTPTransport speaks the clearinghouse REST API.
type HTTPTransport struct {
	client  *resty.Client
	limiter *rate.Limiter
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("X-API-Key", cfg.APIKey).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPTransport{client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (t *HTTPTransport) request(ctx context.Context) (*resty.Request, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.client.R().SetContext(ctx), nil
}

// check converts a resty outcome into the package error vocabulary.
func check(ctx context.Context, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Err: err}
	}
	if resp.IsSuccess() {
		return nil
	}
	se := &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (t *HTTPTransport) SubmitClaim(ctx context.Context, wc *WireClaim) (*SubmitResult, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, err
	}
	var result SubmitResult
	resp, err := req.
		SetHeader("Idempotency-Key", wc.PatientControlNumber).
		SetBody(wc).
		SetResult(&result).
		SetError(&result).
		Post("/v1/claims")
	if err == nil && resp.StatusCode() == http.StatusUnprocessableEntity {
		result.Accepted = false
		return &result, nil
	}
	if err := check(ctx, resp, err); err != nil {
		return nil, err
	}
	if result.ClearinghouseID != "" && len(result.Errors) == 0 {
		result.Accepted = true
	}
	return &result, nil
}

func (t *HTTPTransport) PollStatus(ctx context.Context, clearinghouseID string) (*WireStatus, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, err
	}
	var status WireStatus
	resp, err := req.SetResult(&status).Get("/v1/claims/" + url.PathEscape(clearinghouseID) + "/status")
	if err := check(ctx, resp, err); err != nil {
		return nil, err
	}
	return &status, nil
}

func (t *HTTPTransport) ListRemittances(ctx context.Context) ([]RemittanceFile, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		Files []RemittanceFile `json:"files"`
	}
	resp, err := req.SetQueryParam("status", "pending").SetResult(&body).Get("/v1/remittances")
	if err := check(ctx, resp, err); err != nil {
		return nil, err
	}
	return body.Files, nil
}

func (t *HTTPTransport) DownloadRemittance(ctx context.Context, fileID string) ([]byte, string, error) {
	req, err := t.request(ctx)
	if err != nil {
		return nil, "", err
	}
	resp, err := req.SetHeader("Accept", "*/*").Get("/v1/remittances/" + url.PathEscape(fileID) + "/content")
	if err := check(ctx, resp, err); err != nil {
		return nil, "", err
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

func (t *HTTPTransport) AckRemittance(ctx context.Context, fileID string) error {
	req, err := t.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.Post("/v1/remittances/" + url.PathEscape(fileID) + "/ack")
	return check(ctx, resp, err)
}
