package printers

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/openspool/printd/pkg/types"
)

// ErrBadScheme marks destination URIs whose scheme the server does not
// speak, so the dispatcher can answer uri-scheme-not-supported.
var ErrBadScheme = errors.New("unsupported uri scheme")

// ValidateDest parses a destination URI of the form
// ipp[s]://host[:port]/(printers|classes)/NAME and resolves it against
// the registry. The returned destination is nil when the URI is valid
// but names an unknown destination.
func (r *Registry) ValidateDest(rawURI string) (name string, isClass bool, dest *types.Printer, err error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", false, nil, fmt.Errorf("malformed uri %q", rawURI)
	}
	switch strings.ToLower(u.Scheme) {
	case "ipp", "ipps", "http", "https":
	default:
		return "", false, nil, fmt.Errorf("%w %q", ErrBadScheme, u.Scheme)
	}

	path := strings.Trim(u.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 2 && parts[0] == "printers":
		name, isClass = parts[1], false
	case len(parts) == 2 && parts[0] == "classes":
		name, isClass = parts[1], true
	case len(parts) == 1 && parts[0] != "":
		// Bare /NAME form used by some clients.
		name = parts[0]
	default:
		return "", false, nil, fmt.Errorf("uri %q does not name a destination", rawURI)
	}

	if err := ValidateName(name); err != nil {
		return "", false, nil, err
	}

	if p, ok := r.Get(name); ok {
		return name, p.IsClass, p, nil
	}
	return name, isClass, nil, nil
}
