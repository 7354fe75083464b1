package alarm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// AckRequest is the client-facing acknowledgement body.
type AckRequest struct {
	Table string `json:"table"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Validate checks that every routing field is present.
func (r AckRequest) Validate() error {
	missing := []string{}
	for field, val := range map[string]string{
		"table": r.Table, "name": r.Name, "type": r.Type, "token": r.Token,
	} {
		if val == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &InvalidRequestError{
			Reason: fmt.Sprintf("alarm acknowledge request does not contain the fields %v", missing),
		}
	}
	return nil
}

// InvalidRequestError is a malformed acknowledgement or token. It maps to
// HTTP 404.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

// ProducerError is a rejection reported by the producer's introspection
// endpoint; it maps to HTTP 500 with the embedded message.
type ProducerError struct {
	Message string
}

func (e *ProducerError) Error() string { return e.Message }

// Forwarder delivers acknowledgements to the introspection port named in
// the token.
type Forwarder struct {
	client *http.Client
	logger log.Logger
}

func NewForwarder(timeout time.Duration, logger log.Logger) *Forwarder {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Forward decodes the token and issues the introspection request to the
// originating producer.
func (f *Forwarder) Forward(ctx context.Context, req AckRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	token, err := DecodeToken(req.Token)
	if err != nil {
		return &InvalidRequestError{Reason: err.Error()}
	}

	q := url.Values{}
	q.Set("table", req.Table)
	q.Set("name", req.Name)
	q.Set("type", req.Type)
	q.Set("timestamp", strconv.FormatInt(token.Timestamp, 10))
	target := fmt.Sprintf("http://%s:%d/Snh_SandeshAlarmAckRequest?%s",
		token.HostIP, token.HTTPPort, q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "introspect request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "introspect request failed")
	}
	var ack struct {
		Status   string `json:"status"`
		ErrorMsg string `json:"error_msg"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return errors.Wrap(err, "undecodable introspect response")
	}
	if ack.Status == "false" {
		return &ProducerError{Message: ack.ErrorMsg}
	}
	level.Info(f.logger).Log("msg", "alarm acknowledgement forwarded",
		"table", req.Table, "name", req.Name, "type", req.Type)
	return nil
}
