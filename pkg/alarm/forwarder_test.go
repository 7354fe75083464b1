package alarm

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tok := Token{HostIP: "10.0.0.1", HTTPPort: 8085, Timestamp: 1234567}

	s, err := EncodeToken(tok)
	require.NoError(t, err)

	got, err := DecodeToken(s)
	require.NoError(t, err)
	require.Equal(t, tok, got)
}

func TestDecodeTokenRejectsMissingFields(t *testing.T) {
	for _, body := range []string{
		`{"http_port": 8085, "timestamp": 1}`,
		`{"host_ip": "10.0.0.1", "timestamp": 1}`,
		`{"host_ip": "10.0.0.1", "http_port": 8085}`,
	} {
		s := base64.StdEncoding.EncodeToString([]byte(body))
		_, err := DecodeToken(s)
		require.Error(t, err, "token %s", body)
	}

	_, err := DecodeToken("%%%not-base64%%%")
	require.Error(t, err)
	_, err = DecodeToken(base64.StdEncoding.EncodeToString([]byte("not json")))
	require.Error(t, err)
}

func TestValidateMissingFields(t *testing.T) {
	err := AckRequest{Table: "ObjectVRouter", Name: "vr1"}.Validate()
	var ire *InvalidRequestError
	require.ErrorAs(t, err, &ire)
	require.Equal(t, "alarm acknowledge request does not contain the fields [token type]", ire.Reason)

	require.NoError(t, AckRequest{Table: "t", Name: "n", Type: "ty", Token: "tok"}.Validate())
}

// ackServer fakes the producer's introspection endpoint.
func ackServer(t *testing.T, response string) (*httptest.Server, string, int, *url.Values) {
	t.Helper()
	var seen url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Snh_SandeshAlarmAckRequest", r.URL.Path)
		seen = r.URL.Query()
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, host, port, &seen
}

func TestForwardDeliversAck(t *testing.T) {
	_, host, port, seen := ackServer(t, `{"status": "true"}`)

	token, err := EncodeToken(Token{HostIP: host, HTTPPort: port, Timestamp: 99})
	require.NoError(t, err)

	f := NewForwarder(time.Second, log.NewNopLogger())
	err = f.Forward(context.Background(), AckRequest{
		Table: "ObjectVRouter", Name: "vr1", Type: "VrouterInterface", Token: token,
	})
	require.NoError(t, err)

	require.Equal(t, "ObjectVRouter", seen.Get("table"))
	require.Equal(t, "vr1", seen.Get("name"))
	require.Equal(t, "VrouterInterface", seen.Get("type"))
	require.Equal(t, "99", seen.Get("timestamp"))
}

func TestForwardProducerRejection(t *testing.T) {
	_, host, port, _ := ackServer(t, `{"status": "false", "error_msg": "alarm not found"}`)

	token, err := EncodeToken(Token{HostIP: host, HTTPPort: port, Timestamp: 1})
	require.NoError(t, err)

	f := NewForwarder(time.Second, log.NewNopLogger())
	err = f.Forward(context.Background(), AckRequest{
		Table: "ObjectVRouter", Name: "vr1", Type: "VrouterInterface", Token: token,
	})
	var pe *ProducerError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "alarm not found", pe.Message)
}

func TestForwardBadToken(t *testing.T) {
	f := NewForwarder(time.Second, log.NewNopLogger())
	err := f.Forward(context.Background(), AckRequest{
		Table: "t", Name: "n", Type: "ty", Token: "garbage",
	})
	var ire *InvalidRequestError
	require.ErrorAs(t, err, &ire)
}

func TestForwardProducerUnreachable(t *testing.T) {
	srv, host, port, _ := ackServer(t, `{"status": "true"}`)
	srv.Close()

	token, err := EncodeToken(Token{HostIP: host, HTTPPort: port, Timestamp: 1})
	require.NoError(t, err)

	f := NewForwarder(time.Second, log.NewNopLogger())
	err = f.Forward(context.Background(), AckRequest{
		Table: "t", Name: "n", Type: "ty", Token: token,
	})
	require.Error(t, err)

	// a transport failure is neither a client mistake nor a producer
	// rejection
	var ire *InvalidRequestError
	require.False(t, errors.As(err, &ire))
	var pe *ProducerError
	require.False(t, errors.As(err, &pe))
}
