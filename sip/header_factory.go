package sip

import (
	"strconv"
	"strings"
)

// NewHeader builds a Header from a raw name/value pair, as used when an
// application constructs a header by hand rather than receiving it off the
// wire. Header types that callers type-assert against elsewhere (Route,
// Record-Route, Contact, Content-Type) are parsed into their concrete type;
// anything else is kept as a GenericHeader carrying the raw value verbatim.
//
// This is a deliberately small subset of full header parsing: it only
// understands the "<uri>;params" / "uri" address forms used by these
// header types, not the full grammar a wire parser has to cope with.
func NewHeader(name string, value string) Header {
	switch HeaderToLower(name) {
	case "route":
		uri, _ := parseHeaderAddress(value)
		return &RouteHeader{Address: uri}
	case "record-route":
		uri, _ := parseHeaderAddress(value)
		return &RecordRouteHeader{Address: uri}
	case "contact":
		displayName, uri, params := parseHeaderAddressWithParams(value)
		return &ContactHeader{DisplayName: displayName, Address: uri, Params: params}
	case "content-type":
		ct := ContentType(value)
		return &ct
	default:
		return &GenericHeader{HeaderName: name, Contents: value}
	}
}

// parseHeaderAddress parses a "<uri>" or bare "uri" value, discarding any
// display name or trailing header params.
func parseHeaderAddress(raw string) (Uri, error) {
	_, uri, _ := parseHeaderAddressWithParams(raw)
	return uri, nil
}

// parseHeaderAddressWithParams parses the `[display-name] ("<" uri ">" / uri) *(";" param)`
// form shared by To/From/Contact/Route/Record-Route header values.
func parseHeaderAddressWithParams(raw string) (displayName string, uri Uri, params HeaderParams) {
	params = NewParams()
	raw = strings.TrimSpace(raw)

	uriText := raw
	if start := strings.IndexByte(raw, '<'); start >= 0 {
		if end := strings.IndexByte(raw[start:], '>'); end >= 0 {
			displayName = strings.Trim(strings.TrimSpace(raw[:start]), `"`)
			uriText = raw[start+1 : start+end]

			for _, part := range strings.Split(raw[start+end+1:], ";") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if i := strings.IndexByte(part, '='); i >= 0 {
					params.Add(part[:i], part[i+1:])
				} else {
					params.Add(part, "")
				}
			}
		}
	}

	u, _ := parseURI(uriText)
	return displayName, u, params
}

// parseURI parses "[sip[s]:][user[:password]@]host[:port][;uriparam=val...][?hdr=val...]".
func parseURI(raw string) (Uri, error) {
	uri := Uri{}
	s := raw

	switch {
	case len(s) >= 5 && strings.EqualFold(s[:5], "sips:"):
		uri.Encrypted = true
		s = s[5:]
	case len(s) >= 4 && strings.EqualFold(s[:4], "sip:"):
		s = s[4:]
	}

	if at := strings.IndexByte(s, '@'); at >= 0 {
		userinfo := s[:at]
		s = s[at+1:]
		if c := strings.IndexByte(userinfo, ':'); c >= 0 {
			uri.User = userinfo[:c]
			uri.Password = userinfo[c+1:]
		} else {
			uri.User = userinfo
		}
	}

	hostPart := s
	paramsPart := ""
	if i := strings.IndexAny(s, ";?"); i >= 0 {
		hostPart = s[:i]
		paramsPart = s[i:]
	}

	if c := strings.IndexByte(hostPart, ':'); c >= 0 {
		uri.Host = hostPart[:c]
		if p, err := strconv.Atoi(hostPart[c+1:]); err == nil {
			uri.Port = p
		}
	} else {
		uri.Host = hostPart
	}

	uri.UriParams = NewParams()
	uri.Headers = NewParams()

	if paramsPart == "" {
		return uri, nil
	}

	uriParamsText := paramsPart
	headersText := ""
	if q := strings.IndexByte(paramsPart, '?'); q >= 0 {
		uriParamsText = paramsPart[:q]
		headersText = paramsPart[q+1:]
	}

	for _, part := range strings.Split(strings.TrimPrefix(uriParamsText, ";"), ";") {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			uri.UriParams.Add(part[:i], part[i+1:])
		} else {
			uri.UriParams.Add(part, "")
		}
	}

	for _, part := range strings.Split(headersText, "&") {
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			uri.Headers.Add(part[:i], part[i+1:])
		} else {
			uri.Headers.Add(part, "")
		}
	}

	return uri, nil
}
