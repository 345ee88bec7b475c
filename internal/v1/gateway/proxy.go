package gateway

import (
	"fmt"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/faults"
)

// routeRule maps one URL prefix to its upstream service.
type routeRule struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// Proxy dispatches requests to the simulation, signaling and document
// services by static URL prefix. httputil.ReverseProxy passes WebSocket
// upgrades through, so streaming routes need no special casing. Clients
// are not pinned to upstream nodes; the relay channels make any node
// able to reach any client.
type Proxy struct {
	rules []routeRule
}

// NewProxy builds the routing table. Prefix order matters only in that
// the first match wins; the three prefixes here are disjoint.
func NewProxy(simdURL, signaldURL, collabdURL string) (*Proxy, error) {
	rules := make([]routeRule, 0, 3)
	for _, r := range []struct {
		prefix string
		target string
	}{
		{"/v1/simulations", simdURL},
		{"/v1/signaling", signaldURL},
		{"/v1/documents", collabdURL},
	} {
		u, err := url.Parse(r.target)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL %q: %w", r.target, err)
		}
		rules = append(rules, routeRule{
			prefix: r.prefix,
			proxy:  httputil.NewSingleHostReverseProxy(u),
		})
	}
	return &Proxy{rules: rules}, nil
}

// Handler forwards the request to the upstream owning its prefix.
func (p *Proxy) Handler(c *gin.Context) {
	path := c.Request.URL.Path
	for _, rule := range p.rules {
		if strings.HasPrefix(path, rule.prefix) {
			rule.proxy.ServeHTTP(c.Writer, c.Request)
			return
		}
	}
	writeFault(c, faults.Newf(faults.KindNotFound, "no upstream for %s", path))
}
