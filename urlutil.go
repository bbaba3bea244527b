// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidURL is returned by [ParseDoHURL] when the input is not a
// well-formed `scheme://host[:port]/path[?query]` DoH URL.
var ErrInvalidURL = errors.New("netmgr: invalid DoH URL")

// ErrMissingDNSParam is returned by [ParseDNSParam] when the query string
// carries no `dns` parameter.
var ErrMissingDNSParam = errors.New("netmgr: missing dns query parameter")

// ErrMalformedQuery is returned by [ParseDNSParam] when the query string is
// not well-formed: an unescaped or truncated percent-encoding, a parameter
// with an empty value, or a dns value outside the base64url alphabet.
var ErrMalformedQuery = errors.New("netmgr: malformed query string")

// DoHURL is the result of parsing a DNS-over-HTTPS endpoint URL.
type DoHURL struct {
	// Scheme is either "http" or "https".
	Scheme string

	// Host is the bare hostname or IP literal (brackets stripped for IPv6).
	Host string

	// Port is the numeric port: the URL's explicit port, or 443 (https) / 80
	// (http) when none was given.
	Port uint16

	// Path is the URL path, defaulting to "/" when absent.
	Path string
}

// ParseDoHURL parses a `scheme://host[:port]/path[?query]` DoH endpoint URL.
// scheme must be "http" or "https"; host may be a DNS name, an IPv4 literal,
// or a bracketed IPv6 literal. A missing port defaults to 443 for https and
// 80 for http.
func ParseDoHURL(raw string) (*DoHURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	var defaultPort uint16
	switch u.Scheme {
	case "https":
		defaultPort = 443
	case "http":
		defaultPort = 80
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	port := defaultPort
	if rawPort := u.Port(); rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidURL, rawPort)
		}
		port = uint16(n)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return &DoHURL{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
		Path:   path,
	}, nil
}

// ParseDNSParam extracts the `dns` query parameter from a DoH GET query
// string, per the grammar: an optional leading '?', '&'-separated
// `name=value` parameters, manually percent-decoded (not via
// [net/url.ParseQuery], which silently drops malformed escapes instead of
// failing the whole parse, the opposite of what this grammar requires). If
// multiple `dns=` parameters are present, the last one wins. Any parameter
// with an empty value, or any invalid `%HH` escape anywhere in the query,
// fails the entire parse. The returned value is the raw base64url text (not
// yet decoded to bytes); pass it to [DecodeBase64URL] to recover the DNS
// message.
func ParseDNSParam(query string) ([]byte, error) {
	query = strings.TrimPrefix(query, "?")
	if query == "" {
		return nil, ErrMissingDNSParam
	}

	var (
		found   bool
		lastVal string
	)
	for _, part := range strings.Split(query, "&") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q missing '='", ErrMalformedQuery, part)
		}

		decoded, err := percentDecode(value)
		if err != nil {
			return nil, err
		}
		if decoded == "" {
			return nil, fmt.Errorf("%w: empty value for parameter %q", ErrMalformedQuery, name)
		}

		if name == "dns" {
			found = true
			lastVal = decoded
		}
	}
	if !found {
		return nil, ErrMissingDNSParam
	}
	if !isBase64URLAlphabet(lastVal) {
		return nil, fmt.Errorf("%w: dns value %q is not base64url", ErrMalformedQuery, lastVal)
	}
	return []byte(lastVal), nil
}

// percentDecode decodes %HH escapes in s, leaving every other byte
// (including '+') untouched. It fails if a '%' is not followed by exactly
// two hexadecimal digits.
func percentDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) || !isHexDigit(s[i+1]) || !isHexDigit(s[i+2]) {
			return "", fmt.Errorf("%w: invalid percent-encoding at offset %d", ErrMalformedQuery, i)
		}
		hi, lo := hexVal(s[i+1]), hexVal(s[i+2])
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}

// isBase64URLAlphabet reports whether s is non-empty and every byte is a
// base64url alphabet character (letters, digits, '-', '_').
func isBase64URLAlphabet(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
