// Package dispatch executes synthesized requests against the configured
// upstream API and captures the outcome as data.
//
// A failed call is not an error for the pipeline: every outcome, including
// transport failures, becomes a [Result] that is folded back into the
// conversation so the summarizer can explain it to the user.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/toolrouter/internal/synth"
)

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "toolrouter"

const defaultMaxBodyBytes = 64 << 10

// Class categorises a dispatch outcome.
type Class string

const (
	ClassOK          Class = "ok"
	ClassClientError Class = "client_error"
	ClassServerError Class = "server_error"
	ClassTimeout     Class = "timeout"
	ClassNetwork     Class = "network"
)

// Result is the captured outcome of one dispatched request.
type Result struct {
	Request synth.Request

	// StatusCode is 0 when no response was received.
	StatusCode int

	// Status is the status line, e.g. "201 Created".
	Status string

	// Body is the response body, truncated to the configured limit.
	Body      string
	Truncated bool

	Class    Class
	Err      error
	Duration time.Duration
}

// OK reports whether the upstream answered with a 2xx status.
func (r Result) OK() bool { return r.Class == ClassOK }

// Message renders the request and its response as the text appended to the
// conversation.
func (r Result) Message() string {
	req, err := json.MarshalIndent(r.Request, "", "  ")
	if err != nil {
		req = []byte(fmt.Sprintf("%s %s", r.Request.Method, r.Request.Path))
	}

	var resp strings.Builder
	switch {
	case r.Err != nil:
		fmt.Fprintf(&resp, "%s: %v", r.Class, r.Err)
	default:
		resp.WriteString(r.Status)
		if r.Body != "" {
			resp.WriteByte('\n')
			resp.WriteString(r.Body)
		}
		if r.Truncated {
			resp.WriteString("\n[truncated]")
		}
	}
	return "Request:\n" + string(req) + "\n\nResponse:\n" + resp.String()
}

// MessageWithin renders [Result.Message] with the response body cut short as
// far as needed for fits to accept it, and reports whether it was cut. The
// cut body is marked truncated; when not even an empty body fits, the message
// keeps the request and the status line only.
func (r Result) MessageWithin(fits func(msg string) bool) (string, bool) {
	full := r.Message()
	if r.Err != nil || r.Body == "" || fits(full) {
		return full, false
	}
	cut := r
	cut.Truncated = true
	best := 0
	for lo, hi := 0, len(r.Body)-1; lo <= hi; {
		mid := (lo + hi) / 2
		cut.Body = clip(r.Body, mid)
		if fits(cut.Message()) {
			best, lo = mid, mid+1
		} else {
			hi = mid - 1
		}
	}
	cut.Body = clip(r.Body, best)
	return cut.Message(), true
}

// clip returns at most the first n bytes of s without splitting a rune.
func clip(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Config describes the upstream API.
type Config struct {
	// BaseURL is prefixed to every request path. Required.
	BaseURL string

	// Headers and Params are added to every request.
	Headers map[string]string
	Params  map[string]string

	UserAgent string

	// Timeout bounds each request. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// MaxBodyBytes caps the captured response body. Zero selects 64 KiB.
	MaxBodyBytes int
}

// Dispatcher sends requests to the upstream API. It is safe for concurrent use.
type Dispatcher struct {
	client  *resty.Client
	maxBody int
}

// New creates a Dispatcher for cfg.
func New(cfg Config) (*Dispatcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("dispatch: invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("dispatch: base URL scheme must be http or https, got %q", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("dispatch: base URL must have a host, got %q", cfg.BaseURL)
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua).
		SetHeaders(cfg.Headers).
		SetQueryParams(cfg.Params)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Dispatcher{client: client, maxBody: maxBody}, nil
}

// Dispatch executes plan and returns its outcome. It never fails; transport
// errors are reported through Result.Err and Result.Class.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *synth.Plan) Result {
	r := plan.Request
	res := Result{Request: r}

	req := d.client.R().
		SetContext(ctx).
		SetQueryParamsFromValues(queryValues(r.Params))
	if hasBody(r) {
		req.SetHeader("Content-Type", "application/json").SetBody(r.Body)
	}

	start := time.Now()
	resp, err := req.Execute(r.Method, r.Path)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Class = classifyErr(err)
		return res
	}

	res.StatusCode = resp.StatusCode()
	res.Status = resp.Status()
	if res.Status == "" {
		res.Status = fmt.Sprintf("%d %s", res.StatusCode, http.StatusText(res.StatusCode))
	}
	body := resp.Body()
	if len(body) > d.maxBody {
		body = body[:d.maxBody]
		res.Truncated = true
	}
	res.Body = string(body)
	res.Class = classifyStatus(res.StatusCode)
	return res
}

// hasBody reports whether a JSON body is sent. GET never carries one.
func hasBody(r synth.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		return true
	case http.MethodDelete:
		return len(r.Body) > 0
	default:
		return false
	}
}

// queryValues flattens params into a query string. Arrays repeat the key.
func queryValues(params map[string]any) url.Values {
	v := make(url.Values, len(params))
	for k, p := range params {
		switch p := p.(type) {
		case nil:
		case []any:
			for _, e := range p {
				v.Add(k, scalar(e))
			}
		default:
			v.Set(k, scalar(p))
		}
	}
	return v
}

func scalar(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

func classifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassOK
	case code >= 400 && code < 500:
		return ClassClientError
	case code >= 500:
		return ClassServerError
	default:
		// 1xx and unfollowed 3xx are unexpected from an API.
		return ClassClientError
	}
}

func classifyErr(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	return ClassNetwork
}
