// Package principal describes the security principal a storage connection
// acts for and resolves it to the origin string that keys on-disk storage.
package principal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ChromeOrigin is the fixed origin used for the system principal.
const ChromeOrigin = "chrome"

// Kind identifies the type of a principal. Values are stable on the wire.
type Kind uint32

const (
	KindNull Kind = iota
	KindSystem
	KindContent
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindSystem:
		return "system"
	case KindContent:
		return "content"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(k))
	}
}

var (
	// ErrNullPrincipal is returned for principals that can never own storage.
	ErrNullPrincipal = errors.New("principal: null principal")

	// ErrInvalidPrincipal is returned when a principal cannot be mapped to an origin.
	ErrInvalidPrincipal = errors.New("principal: invalid principal")
)

// Principal is the identity a connection acts for. Origin is only meaningful
// for content principals, where it holds the URL the principal was created for.
type Principal struct {
	Kind   Kind
	Origin string
}

// System returns the system principal.
func System() Principal {
	return Principal{Kind: KindSystem}
}

// Content returns a content principal for the given URL.
func Content(origin string) Principal {
	return Principal{Kind: KindContent, Origin: origin}
}

func (p Principal) String() string {
	if p.Kind == KindContent {
		return p.Origin
	}
	return p.Kind.String()
}

// Validate reports whether the principal may be used to open storage.
func (p Principal) Validate() error {
	switch p.Kind {
	case KindNull:
		return ErrNullPrincipal
	case KindSystem:
		return nil
	case KindContent:
		if _, err := normalize(p.Origin); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPrincipal, uint32(p.Kind))
	}
}

// Resolver maps a principal to the origin that owns its storage.
// Implementations must be pure and safe for concurrent use.
type Resolver interface {
	Resolve(p Principal) (string, error)
}

// DefaultResolver maps the system principal to ChromeOrigin and content
// principals to their normalized scheme://host[:port] origin.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(p Principal) (string, error) {
	switch p.Kind {
	case KindSystem:
		return ChromeOrigin, nil
	case KindContent:
		return normalize(p.Origin)
	case KindNull:
		return "", ErrNullPrincipal
	default:
		return "", fmt.Errorf("%w: unknown kind %d", ErrInvalidPrincipal, uint32(p.Kind))
	}
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

func normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q has no scheme or host", ErrInvalidPrincipal, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if port != "" && defaultPorts[scheme] == port {
		port = ""
	}

	if port == "" {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host, nil
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}
