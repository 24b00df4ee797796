package ingress

import (
	"net/http"
	"strings"
)

const targetParam = "url"

// TargetFromRequest derives the capture target of an ingress request.
func TargetFromRequest(r *http.Request) string {
	query := r.URL.Query()
	return ResolveTarget(query.Get(targetParam), query.Has(targetParam), r.URL.Path, r.URL.RawQuery)
}

// ResolveTarget applies the target precedence shared by every ingress: a url
// parameter that is present, even empty, wins over the path.
func ResolveTarget(param string, hasParam bool, path, rawQuery string) string {
	if hasParam {
		return strings.TrimSpace(param)
	}
	return TargetFromPath(path, rawQuery)
}

// TargetFromPath turns "/example.com/page" plus its raw query into an absolute
// URL. A missing scheme defaults to https; schemes whose double slash was
// collapsed by a proxy ("https:/example.com") are repaired.
func TargetFromPath(path, rawQuery string) string {
	target := strings.TrimPrefix(path, "/")
	if target == "" {
		return ""
	}
	target = withScheme(target)
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func withScheme(target string) string {
	lower := strings.ToLower(target)
	for _, scheme := range []string{"https:", "http:"} {
		if !strings.HasPrefix(lower, scheme) {
			continue
		}
		rest := strings.TrimLeft(target[len(scheme):], "/")
		return scheme + "//" + rest
	}
	if strings.Contains(strings.SplitN(target, "/", 2)[0], ":") && strings.Contains(target, "://") {
		return target
	}
	return "https://" + target
}
