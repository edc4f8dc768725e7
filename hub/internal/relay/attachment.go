package relay

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Internal query parameters the edge router attaches to a forwarded upgrade.
// Browsers can never supply them: the edge strips every "_"-prefixed
// parameter before attaching its own.
const (
	paramSubject     = "_subject"
	paramDaemonURL   = "_daemon_url"
	paramDaemonToken = "_daemon_token"
	paramClientIP    = "_client_ip"

	// TicketParam carries the upgrade ticket on the public URL.
	TicketParam = "ticket"
)

// Attachment is what a hub learns about a forwarded upgrade.
type Attachment struct {
	SubjectID   string
	DaemonURL   string
	DaemonToken string
	ClientIP    string
}

// Attach returns a clone of r whose query carries a, with the ticket and any
// client-supplied internal parameters removed.
func Attach(r *http.Request, a Attachment) *http.Request {
	q := url.Values{}
	for k, vs := range r.URL.Query() {
		if k == TicketParam || strings.HasPrefix(k, "_") {
			continue
		}
		q[k] = vs
	}
	q.Set(paramSubject, a.SubjectID)
	q.Set(paramDaemonURL, a.DaemonURL)
	q.Set(paramDaemonToken, a.DaemonToken)
	q.Set(paramClientIP, a.ClientIP)

	out := r.Clone(r.Context())
	u := *r.URL
	u.RawQuery = q.Encode()
	out.URL = &u
	out.RequestURI = u.RequestURI()
	return out
}

// AttachmentFrom reads the attachment from a forwarded request. ok is false
// when the request did not come through the edge router.
func AttachmentFrom(r *http.Request) (a Attachment, ok bool) {
	q := r.URL.Query()
	a = Attachment{
		SubjectID:   q.Get(paramSubject),
		DaemonURL:   q.Get(paramDaemonURL),
		DaemonToken: q.Get(paramDaemonToken),
		ClientIP:    q.Get(paramClientIP),
	}
	return a, a.DaemonURL != "" && a.DaemonToken != ""
}

// ClientIP is the request's remote address without the port. Behind chi's
// RealIP middleware this is the forwarded client address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
