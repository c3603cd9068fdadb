package job

import (
	"net/url"
	"strings"

	"github.com/cuemby/fleetagent/pkg/types"
)

// rewriteOnPrem handles on-premises control planes: any endpoint,
// repository, or variable URL that matches the system connection's host is
// rewritten to the agent's own locally-configured base URL, preserving path
// and query. The control plane may have advertised a name the host itself
// cannot resolve or reach; the agent knows its own working path to the
// server.
func rewriteOnPrem(req *types.JobRequest, localBaseURL string) {
	if localBaseURL == "" || req.SystemConnection == nil {
		return
	}
	systemHost := hostOf(req.SystemConnection.URL)
	if systemHost == "" {
		return
	}
	base, err := url.Parse(localBaseURL)
	if err != nil {
		return
	}

	rewrite := func(raw string) string {
		return rewriteHost(raw, systemHost, base)
	}

	for _, ep := range req.Endpoints {
		ep.URL = rewrite(ep.URL)
	}
	for _, repo := range req.Repositories {
		repo.URL = rewrite(repo.URL)
	}
	for _, v := range req.Variables {
		if v != nil && looksLikeURL(v.Value) {
			v.Value = rewrite(v.Value)
		}
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func rewriteHost(raw, matchHost string, localBase *url.URL) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host != matchHost {
		return raw
	}
	u.Scheme = localBase.Scheme
	u.Host = localBase.Host
	return u.String()
}
