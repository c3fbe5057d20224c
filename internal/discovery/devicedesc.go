package discovery

import (
	"net/url"
	"strings"
)

// extractControlURL finds the <controlURL> inside the <service> block that
// advertises serviceType. Adapted from wysentanu-dlna-movie-cast's
// AVTransportController.extractControlURL: a string-scan rather than a full
// XML unmarshal, because device description documents in the wild are
// frequently non-well-formed enough (unescaped ampersands in friendlyName,
// mismatched namespaces) that a strict decoder rejects them outright.
func extractControlURL(doc, serviceType string) string {
	serviceStart := strings.Index(doc, serviceType)
	if serviceStart == -1 {
		return ""
	}

	block := doc[serviceStart:]
	serviceEnd := strings.Index(block, "</service>")
	if serviceEnd != -1 {
		block = block[:serviceEnd]
	}

	const openTag = "<controlURL>"
	start := strings.Index(block, openTag)
	if start == -1 {
		return ""
	}
	start += len(openTag)

	end := strings.Index(block[start:], "</controlURL>")
	if end == -1 {
		return ""
	}

	return strings.TrimSpace(block[start : start+end])
}

func extractXMLValue(doc, tag string) string {
	startTag := "<" + tag + ">"
	endTag := "</" + tag + ">"

	start := strings.Index(doc, startTag)
	if start == -1 {
		return ""
	}
	start += len(startTag)

	end := strings.Index(doc[start:], endTag)
	if end == -1 {
		return ""
	}

	return strings.TrimSpace(doc[start : start+end])
}

// resolveURL makes a control URL absolute against the device description's
// own location, covering both host-relative ("/AVTransport/control") and
// path-relative ("AVTransport/control") forms.
func resolveURL(location, controlURL string) string {
	if strings.HasPrefix(controlURL, "http://") || strings.HasPrefix(controlURL, "https://") {
		return controlURL
	}

	base, err := url.Parse(location)
	if err != nil {
		return controlURL
	}

	ref, err := url.Parse(controlURL)
	if err != nil {
		return controlURL
	}

	return base.ResolveReference(ref).String()
}
