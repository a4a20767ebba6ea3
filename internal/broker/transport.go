package broker

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// envelopeTransport rewrites a 200 response carrying a Kite error envelope
// into the status Kite uses for that error type. The Kite client only reads
// the envelope of responses >= 400, so without this a TokenException sent
// with 200 decodes as an empty success.
type envelopeTransport struct {
	next http.RoundTripper
}

func (t envelopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var env kiteEnvelope
	if json.Unmarshal(body, &env) != nil || env.Status != "error" {
		return resp, nil
	}

	code := http.StatusInternalServerError
	if kerr, ok := kiteconnect.NewError(env.ErrorType, env.Message, nil).(kiteconnect.Error); ok {
		code = kerr.Code
	}
	resp.StatusCode = code
	resp.Status = http.StatusText(code)
	return resp, nil
}
