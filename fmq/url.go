package fmq

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Scheme is the URL scheme of a queue URL.
const Scheme = "fmqp"

// DefaultPort is the queue server port used when a URL names none.
const DefaultPort = 5520

// Location is a parsed queue URL.
type Location struct {
	Host string
	Port int
	// Path names the queue files, without the .fmq_* suffixes.
	Path string
	// Local is set when the queue files can be opened directly.
	Local bool
}

// String renders the location back into URL form.
func (l Location) String() string {
	if l.Host == "" {
		return l.Path
	}
	return fmt.Sprintf("%s://%s%s", Scheme, net.JoinHostPort(l.Host, strconv.Itoa(l.Port)), l.Path)
}

// Addr is the host:port of the queue server.
func (l Location) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// ParseURL resolves a queue URL. A bare filesystem path and any URL whose
// host is this machine are local; everything else is served.
func ParseURL(raw string) (Location, error) {
	return parseURL(raw, DefaultPort)
}

func parseURL(raw string, defaultPort int) (Location, error) {
	if defaultPort <= 0 {
		defaultPort = DefaultPort
	}
	if raw == "" {
		return Location{}, fmt.Errorf("empty queue url")
	}
	if !strings.Contains(raw, "://") {
		return Location{Path: raw, Local: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid queue url %q: %w", raw, err)
	}
	if u.Scheme != Scheme {
		return Location{}, fmt.Errorf("invalid queue url %q: scheme must be %s", raw, Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return Location{}, fmt.Errorf("invalid queue url %q: missing queue path", raw)
	}

	loc := Location{Host: u.Hostname(), Port: defaultPort, Path: u.Path}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Location{}, fmt.Errorf("invalid queue url %q: bad port %q", raw, p)
		}
		loc.Port = port
	}
	loc.Local = loc.Host == "" || IsLocalHost(loc.Host)
	return loc, nil
}

// IsLocalHost reports whether host names this machine: localhost, a loopback
// address, the hostname, or an address of one of its interfaces.
func IsLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return true
		}
		return isInterfaceAddr(ip)
	}
	if name, err := os.Hostname(); err == nil {
		if strings.EqualFold(host, name) {
			return true
		}
		if short, _, ok := strings.Cut(name, "."); ok && strings.EqualFold(host, short) {
			return true
		}
	}
	return false
}

func isInterfaceAddr(ip net.IP) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
