// Package dlnaclient builds, signs, and exchanges SOAP envelopes for UPnP
// AVTransport actions against a single renderer's control URL, folded into
// one typed client instead of scattering fmt.Sprintf calls at call sites.
package dlnaclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"castplane/internal/castplane"
	"castplane/internal/observability"

	"golang.org/x/net/html/charset"
)

const avTransportServiceType = "urn:schemas-upnp-org:service:AVTransport:1"

// Client drives AVTransport SOAP actions against one renderer. It is
// stateless apart from its configured endpoint and timeouts; one Client is
// created per renderer and handed to that renderer's Supervisor.
type Client struct {
	ControlURL string
	httpClient *http.Client
	retryDelay time.Duration
}

func New(controlURL string, timeout, retryDelay time.Duration) *Client {
	return &Client{
		ControlURL: controlURL,
		httpClient: &http.Client{Timeout: timeout},
		retryDelay: retryDelay,
	}
}

// PositionInfo is the subset of GetPositionInfo's response the supervisor
// needs to build a TransportSnapshot.
type PositionInfo struct {
	CurrentURI string
	Position   time.Duration
	Duration   time.Duration
}

func (c *Client) SetAVTransportURI(ctx context.Context, uri, metadataDIDL string) error {
	body := fmt.Sprintf(`<u:SetAVTransportURI xmlns:u="%s">
<InstanceID>0</InstanceID>
<CurrentURI>%s</CurrentURI>
<CurrentURIMetaData>%s</CurrentURIMetaData>
</u:SetAVTransportURI>`, avTransportServiceType, escapeXML(uri), escapeXML(metadataDIDL))

	_, err := c.invoke(ctx, "SetAVTransportURI", body)
	return err
}

func (c *Client) Play(ctx context.Context) error {
	body := fmt.Sprintf(`<u:Play xmlns:u="%s">
<InstanceID>0</InstanceID>
<Speed>1</Speed>
</u:Play>`, avTransportServiceType)

	_, err := c.invoke(ctx, "Play", body)
	return err
}

func (c *Client) Pause(ctx context.Context) error {
	body := fmt.Sprintf(`<u:Pause xmlns:u="%s">
<InstanceID>0</InstanceID>
</u:Pause>`, avTransportServiceType)

	_, err := c.invoke(ctx, "Pause", body)
	return err
}

func (c *Client) Stop(ctx context.Context) error {
	body := fmt.Sprintf(`<u:Stop xmlns:u="%s">
<InstanceID>0</InstanceID>
</u:Stop>`, avTransportServiceType)

	_, err := c.invoke(ctx, "Stop", body)
	return err
}

// Seek issues a REL_TIME Seek to the given hh:mm:ss target. It does not
// consult Renderer.Capabilities; a renderer that lacks Seek answers with a
// fault, which Controller.Seek reports as Unsupported.
func (c *Client) Seek(ctx context.Context, target string) error {
	body := fmt.Sprintf(`<u:Seek xmlns:u="%s">
<InstanceID>0</InstanceID>
<Unit>REL_TIME</Unit>
<Target>%s</Target>
</u:Seek>`, avTransportServiceType, escapeXML(target))

	_, err := c.invoke(ctx, "Seek", body)
	return err
}

func (c *Client) GetTransportInfo(ctx context.Context) (castplane.TransportState, error) {
	body := fmt.Sprintf(`<u:GetTransportInfo xmlns:u="%s">
<InstanceID>0</InstanceID>
</u:GetTransportInfo>`, avTransportServiceType)

	resp, err := c.invoke(ctx, "GetTransportInfo", body)
	if err != nil {
		return castplane.TransportUnknown, err
	}

	var parsed getTransportInfoResponse
	if err := decodeActionResponse(resp, &parsed); err != nil {
		return castplane.TransportUnknown, castplane.NewBadDescription(err)
	}
	return castplane.ParseTransportState(parsed.CurrentTransportState), nil
}

func (c *Client) GetPositionInfo(ctx context.Context) (PositionInfo, error) {
	body := fmt.Sprintf(`<u:GetPositionInfo xmlns:u="%s">
<InstanceID>0</InstanceID>
</u:GetPositionInfo>`, avTransportServiceType)

	resp, err := c.invoke(ctx, "GetPositionInfo", body)
	if err != nil {
		return PositionInfo{}, err
	}

	var parsed getPositionInfoResponse
	if err := decodeActionResponse(resp, &parsed); err != nil {
		return PositionInfo{}, castplane.NewBadDescription(err)
	}

	return PositionInfo{
		CurrentURI: parsed.TrackURI,
		Position:   parseUPnPTime(parsed.RelTime),
		Duration:   parseUPnPTime(parsed.TrackDuration),
	}, nil
}

// invoke posts one SOAP action, retrying once after retryDelay if the first
// attempt failed at the transport level (never on a renderer-returned
// fault). This is the only retry the control client itself performs;
// backoff across many attempts is the Assignment Engine's job.
func (c *Client) invoke(ctx context.Context, action, innerBody string) (string, error) {
	start := time.Now()
	resp, err := c.post(ctx, action, innerBody)
	if err == nil {
		observability.SOAPCallDuration.WithLabelValues(action, "ok").Observe(time.Since(start).Seconds())
		return resp, nil
	}

	if isTransport(err) {
		select {
		case <-ctx.Done():
			observability.SOAPCallDuration.WithLabelValues(action, "error").Observe(time.Since(start).Seconds())
			return "", castplane.NewTransportError(ctx.Err())
		case <-time.After(c.retryDelay):
		}
		resp, err = c.post(ctx, action, innerBody)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.SOAPCallDuration.WithLabelValues(action, outcome).Observe(time.Since(start).Seconds())
		return resp, err
	}

	observability.SOAPCallDuration.WithLabelValues(action, "error").Observe(time.Since(start).Seconds())
	return "", err
}

func isTransport(err error) bool {
	e, ok := err.(*castplane.Error)
	return ok && e.Kind == castplane.KindTransport
}

func (c *Client) post(ctx context.Context, action, innerBody string) (string, error) {
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
%s
</s:Body>
</s:Envelope>`, innerBody)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ControlURL, bytes.NewBufferString(envelope))
	if err != nil {
		return "", castplane.NewTransportError(err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, avTransportServiceType, action))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", castplane.NewTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", castplane.NewTransportError(err)
	}
	body := string(raw)

	if resp.StatusCode != http.StatusOK {
		code, desc := extractFault(body)
		if code == 0 {
			code = resp.StatusCode
			desc = http.StatusText(resp.StatusCode)
		}
		return "", castplane.NewRendererRefused(code, desc)
	}

	if code, desc, isFault := tryExtractFault(body); isFault {
		return "", castplane.NewRendererRefused(code, desc)
	}

	return body, nil
}

// soapFault mirrors the UPnP SOAP Fault detail shape.
type soapFault struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			FaultCode   string `xml:"faultcode"`
			FaultString string `xml:"faultstring"`
			Detail      struct {
				UPnPError struct {
					ErrorCode        int    `xml:"errorCode"`
					ErrorDescription string `xml:"errorDescription"`
				} `xml:"UPnPError"`
			} `xml:"detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func tryExtractFault(body string) (code int, desc string, ok bool) {
	if !strings.Contains(body, "Fault") {
		return 0, "", false
	}
	code, desc = extractFault(body)
	if code == 0 && desc == "" {
		return 0, "", false
	}
	return code, desc, true
}

func extractFault(body string) (int, string) {
	var f soapFault
	if err := decodeXML(body, &f); err != nil {
		return 0, ""
	}
	if f.Body.Fault.Detail.UPnPError.ErrorCode != 0 {
		return f.Body.Fault.Detail.UPnPError.ErrorCode, f.Body.Fault.Detail.UPnPError.ErrorDescription
	}
	if f.Body.Fault.FaultString != "" {
		return 0, f.Body.Fault.FaultString
	}
	return 0, ""
}

type getTransportInfoResponse struct {
	CurrentTransportState string `xml:"CurrentTransportState"`
}

type getPositionInfoResponse struct {
	TrackURI      string `xml:"TrackURI"`
	RelTime       string `xml:"RelTime"`
	TrackDuration string `xml:"TrackDuration"`
}

// decodeActionResponse token-walks the envelope down to the Body
// element's single child, the action response, whose tag name varies per
// action (e.g. <u:GetPositionInfoResponse>), and decodes from there. v's
// fields match their children by tag name regardless of that element's
// own name, so no per-action wrapper type is needed; encoding/xml only
// matches a field whose path is a literal prefix of the current element,
// so decoding straight from Envelope would never reach past the
// unmatched Body/ActionResponse wrapper.
func decodeActionResponse(body string, v any) error {
	dec := newTolerantDecoder(body)

	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("locate action response element: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 3 {
				return dec.DecodeElement(v, &t)
			}
		case xml.EndElement:
			depth--
		}
	}
}

// decodeXML decodes a full SOAP envelope tolerantly of a byte-order mark
// or a non-UTF8 declared encoding, both observed in the wild from cheaper
// renderer firmware.
func decodeXML(body string, v any) error {
	return newTolerantDecoder(body).Decode(v)
}

func newTolerantDecoder(body string) *xml.Decoder {
	reader := strings.NewReader(strings.TrimPrefix(body, "﻿"))
	dec := xml.NewDecoder(reader)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	return dec
}

func escapeXML(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// parseUPnPTime parses UPnP's H+:MM:SS duration format (e.g. "0:07:32" or
// "123:00:00"); an empty or malformed value yields zero, matching the
// boundary case of a renderer reporting duration 0 or NOT_IMPLEMENTED.
func parseUPnPTime(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NOT_IMPLEMENTED") {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	var h, m, sec int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return 0
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return 0
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &sec); err != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}
