package middleware

import (
	"net"
	"net/http"
	"strings"

	pkgmw "github.com/figsettings/fig/pkg/middleware"
	"github.com/figsettings/fig/pkg/models"
)

// Headers sent by Fig clients.
const (
	HeaderClientSecret = "clientSecret"
	HeaderIPAddress    = "Fig_IpAddress"
	HeaderHostname     = "Fig_Hostname"
	HeaderMemoryUsage  = "Fig_MemoryUsageBytes"
)

// Caller stores the request origin in the context. Clients report their own
// address and host name; the connection's remote address is the fallback.
func Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := models.CallerDetails{
			IPAddress: strings.TrimSpace(r.Header.Get(HeaderIPAddress)),
			Hostname:  strings.TrimSpace(r.Header.Get(HeaderHostname)),
		}
		if caller.IPAddress == "" {
			caller.IPAddress = remoteIP(r.RemoteAddr)
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetCaller(r.Context(), caller)))
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
