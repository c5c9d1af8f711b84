package nbd

import (
	"fmt"
	"net/url"
	"strings"
)

// nbdURI is the handful of fields ConnectURI needs out of an nbd:// URI.
// Query-string option tunneling (tls-psk-file, tls-certificates, ...) is
// deliberately not parsed; pass those through ConnectOptions directly.
type nbdURI struct {
	host       string
	port       string
	unixPath   string
	exportName string
	tls        bool
}

// parseNBDURI accepts nbd://, nbds://, nbd+unix://, and nbds+unix:// forms.
// The +unix variant carries the socket path in the "socket" query parameter
// per the grammar every NBD client (qemu, libnbd) agrees on.
func parseNBDURI(raw string) (nbdURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nbdURI{}, fmt.Errorf("parsing NBD URI: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	var out nbdURI
	switch scheme {
	case "nbd":
	case "nbds":
		out.tls = true
	case "nbd+unix":
	case "nbds+unix":
		out.tls = true
	default:
		return nbdURI{}, fmt.Errorf("unsupported NBD URI scheme %q", u.Scheme)
	}

	if strings.HasSuffix(scheme, "+unix") {
		sock := u.Query().Get("socket")
		if sock == "" {
			return nbdURI{}, fmt.Errorf("NBD unix URI %q is missing a socket= query parameter", raw)
		}
		out.unixPath = sock
	} else {
		out.host = u.Hostname()
		if out.host == "" {
			return nbdURI{}, fmt.Errorf("NBD URI %q is missing a host", raw)
		}
		out.port = u.Port()
	}

	out.exportName = strings.TrimPrefix(u.Path, "/")
	return out, nil
}
