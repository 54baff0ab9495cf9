package health

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sdss/cerebro/dispatch"
	"github.com/sdss/cerebro/sink"
	"github.com/sdss/cerebro/source"
)

// Sanitization patterns for error messages leaving the process.
var (
	urlRegex        = regexp.MustCompile(`(https?|nats|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// FromDispatch builds the daemon-wide report from a dispatcher snapshot.
// Sources map running to healthy, connecting to degraded and stopped to
// unhealthy; a running source whose last read failed is degraded. Sinks are
// degraded while their most recent flush is failing.
func FromDispatch(st dispatch.Status) Status {
	subs := make([]Status, 0, len(st.Sources)+len(st.Sinks))
	for _, s := range st.Sources {
		subs = append(subs, fromSource(s))
	}
	for _, s := range st.Sinks {
		subs = append(subs, fromSink(s))
	}
	return Aggregate("cerebro", subs)
}

func fromSource(st source.Status) Status {
	name := "source/" + st.Name
	switch st.State {
	case "running":
		if st.LastError != "" {
			return NewDegraded(name, "Reads failing: "+sanitizeErrorMessage(st.LastError))
		}
		return NewHealthy(name, "Session live")
	case "connecting":
		message := "Establishing session"
		if st.LastError != "" {
			message = "Reconnecting: " + sanitizeErrorMessage(st.LastError)
		}
		return NewDegraded(name, message)
	default:
		return NewUnhealthy(name, "Stopped")
	}
}

func fromSink(st sink.Status) Status {
	name := "sink/" + st.Name
	if st.LastError != "" {
		return NewDegraded(name, "Writes failing: "+sanitizeErrorMessage(st.LastError))
	}
	message := fmt.Sprintf("%d points buffered", st.BufferedCount)
	if st.Dropped > 0 {
		message = fmt.Sprintf("%d points buffered, %d dropped since start", st.BufferedCount, st.Dropped)
	}
	return NewHealthy(name, message)
}

// sanitizeErrorMessage strips addresses, paths and credential-looking
// fragments from an error message. Connection errors quote the peer they
// failed against, and those details stay on the box.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}
