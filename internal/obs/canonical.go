package obs

import "strings"

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded regardless of how many sessions exist.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "sessions" {
		switch len(parts) {
		case 3:
			return "/v1/sessions/:id"
		case 4:
			return "/v1/sessions/:id/" + parts[3]
		}
	}
	return path
}
