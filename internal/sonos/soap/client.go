package soap

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client issues SOAP control requests and GENA subscription verbs against
// Sonos devices. A single Client is safe for concurrent use and should be
// shared across a broker instance — the underlying http.Transport pools
// connections per host.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	port       int // defaults to ServicePort; overridable in tests
}

// NewClient creates a SOAP client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		timeout: timeout,
		port:    ServicePort,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Call issues a SOAP action against a service's control endpoint and returns
// the raw response body. On a device-reported fault it returns *FaultError.
func (c *Client) Call(ctx context.Context, ip string, service Service, action string, args map[string]string) ([]byte, error) {
	typeURI, ok := TypeURI(service)
	if !ok {
		return nil, fmt.Errorf("soap: unknown service %q", service)
	}
	controlPath, ok := ControlPath(service)
	if !ok {
		return nil, fmt.Errorf("soap: no control endpoint for service %q", service)
	}

	body := buildEnvelope(typeURI, action, args)
	url := fmt.Sprintf("http://%s:%d%s", ip, c.port, controlPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", typeURI+"#"+action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Action: action}
		}
		return nil, &NetworkError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Action: action, Err: err}
	}

	if resp.StatusCode >= 400 {
		code, desc := parseSoapFault(payload)
		if code != "" {
			return nil, &FaultError{Action: action, Code: code, Description: desc}
		}
		return nil, &FaultError{Action: action, Code: strconv.Itoa(resp.StatusCode), Description: resp.Status}
	}

	return payload, nil
}

// Subscribe issues a GENA SUBSCRIBE for the given service's event endpoint.
// callbackURL must already include angle brackets per the wire format (§6);
// the caller owns that formatting since only it knows the callback server's
// base URL.
func (c *Client) Subscribe(ctx context.Context, ip string, service Service, callbackURL string, timeoutSecs int) (sid string, negotiatedTimeout int, err error) {
	eventPath, ok := EventPath(service)
	if !ok {
		return "", 0, fmt.Errorf("soap: no event endpoint for service %q", service)
	}
	url := fmt.Sprintf("http://%s:%d%s", ip, c.port, eventPath)

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("CALLBACK", callbackURL)
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", timeoutSecs))

	resp, err := c.do(req, "subscribe")
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", 0, &FaultError{Action: "subscribe", Code: strconv.Itoa(resp.StatusCode), Description: resp.Status}
	}

	sid = canonicalSID(resp.Header.Get("SID"))
	if sid == "" {
		return "", 0, &ParseError{Action: "subscribe", Err: errors.New("missing SID header")}
	}
	negotiatedTimeout = ParseTimeoutHeader(resp.Header.Get("TIMEOUT"))
	return sid, negotiatedTimeout, nil
}

// Renew issues a GENA SUBSCRIBE with only the SID header, extending an
// existing subscription.
func (c *Client) Renew(ctx context.Context, ip string, service Service, sid string, timeoutSecs int) (negotiatedTimeout int, err error) {
	eventPath, ok := EventPath(service)
	if !ok {
		return 0, fmt.Errorf("soap: no event endpoint for service %q", service)
	}
	url := fmt.Sprintf("http://%s:%d%s", ip, c.port, eventPath)

	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("SID", "uuid:"+sid)
	req.Header.Set("TIMEOUT", fmt.Sprintf("Second-%d", timeoutSecs))

	resp, err := c.do(req, "renew")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPreconditionFailed {
		return 0, &FaultError{Action: "renew", Code: "412", Description: "subscription not found"}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &FaultError{Action: "renew", Code: strconv.Itoa(resp.StatusCode), Description: resp.Status}
	}
	return ParseTimeoutHeader(resp.Header.Get("TIMEOUT")), nil
}

// Unsubscribe issues a GENA UNSUBSCRIBE. Network failures are swallowed and
// logged by the caller — the subscription manager treats teardown as
// best-effort (§4.E).
func (c *Client) Unsubscribe(ctx context.Context, ip string, service Service, sid string) error {
	eventPath, ok := EventPath(service)
	if !ok {
		return fmt.Errorf("soap: no event endpoint for service %q", service)
	}
	url := fmt.Sprintf("http://%s:%d%s", ip, c.port, eventPath)

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("SID", "uuid:"+sid)

	resp, err := c.do(req, "unsubscribe")
	if err != nil {
		return &NetworkError{Action: "unsubscribe", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPreconditionFailed {
		return &FaultError{Action: "unsubscribe", Code: strconv.Itoa(resp.StatusCode), Description: resp.Status}
	}
	return nil
}

func (c *Client) do(req *http.Request, action string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Action: action}
		}
		return nil, &NetworkError{Action: action, Err: err}
	}
	return resp, nil
}

func buildEnvelope(serviceType, action string, args map[string]string) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString("<s:Body>")
	buf.WriteString("<u:")
	buf.WriteString(action)
	buf.WriteString(` xmlns:u="`)
	buf.WriteString(serviceType)
	buf.WriteString(`">`)

	for key, value := range args {
		buf.WriteString("<")
		buf.WriteString(key)
		buf.WriteString(">")
		buf.WriteString(escapeXML(value))
		buf.WriteString("</")
		buf.WriteString(key)
		buf.WriteString(">")
	}

	buf.WriteString("</u:")
	buf.WriteString(action)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")

	return []byte(buf.String())
}

func escapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

func parseSoapFault(payload []byte) (string, string) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var code, desc string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "errorCode":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				code = strings.TrimSpace(value)
			}
		case "errorDescription":
			var value string
			if err := decoder.DecodeElement(&value, &se); err == nil {
				desc = strings.TrimSpace(value)
			}
		}
	}

	return code, desc
}

// canonicalSID strips the "uuid:" prefix devices commonly prepend.
func canonicalSID(sid string) string {
	return strings.TrimPrefix(strings.TrimSpace(sid), "uuid:")
}

// ParseTimeoutHeader parses a GENA TIMEOUT response header ("Second-1800"
// or "infinite") into seconds. "infinite" is normalized to 24h so renewal
// math never divides by (or sleeps against) a zero/negative duration.
func ParseTimeoutHeader(header string) int {
	if header == "infinite" {
		return 86400
	}
	header = strings.TrimPrefix(header, "Second-")
	if n, err := strconv.Atoi(header); err == nil {
		return n
	}
	return 1800
}
