package upnp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const soapContentType = `text/xml; charset="utf-8"`

// soapEnvelope wraps an action body in a SOAP 1.1 envelope.
func soapEnvelope(actionBody string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + actionBody + `</s:Body>` +
		`</s:Envelope>`
}

// soapCall POSTs a single SOAP action to a control URL and returns the
// response body. The SOAPAction header names the exact service and action;
// RenderingControl actions sent under an AVTransport header are rejected
// by strict renderers. Any non-200 status is a failure. There is no
// automatic retry; a user-initiated re-cast is the retry path.
func (c *Client) soapCall(ctx context.Context, controlURL, serviceType, action, actionBody string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL,
		strings.NewReader(soapEnvelope(actionBody)))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", soapContentType)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", serviceType+"#"+action))

	resp, err := c.soap.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", action, resp.StatusCode)
	}
	return body, nil
}
