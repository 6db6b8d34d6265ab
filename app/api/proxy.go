package api

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
)

// NewOfflineProxy forwards /backend/* to target through transport. The
// transport decides what is answered from the offline cache. A non-empty
// apiKey is added to requests that carry none, so mount the proxy behind
// authentication whenever it is set.
func NewOfflineProxy(target *url.URL, transport http.RoundTripper, apiKey string) gin.HandlerFunc {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.Host = target.Host
			// the service's own access key never reaches the backend
			r.Out.Header.Del("X-API-Key")
			if apiKey != "" && r.Out.Header.Get("apikey") == "" {
				r.Out.Header.Set("apikey", apiKey)
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("Backend unreachable", "method", r.Method, "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return func(c *gin.Context) {
		req := c.Request.Clone(c.Request.Context())
		req.URL.Path = c.Param("path")
		req.URL.RawPath = ""

		proxy.ServeHTTP(c.Writer, req)
	}
}
