package channel

import (
	"regexp"
	"strings"
)

var channelURLPatterns = []struct {
	re     *regexp.Regexp
	prefix string
}{
	{regexp.MustCompile(`youtube\.com/@([^/?#]+)`), "https://www.youtube.com/@"},
	{regexp.MustCompile(`youtube\.com/c/([^/?#]+)`), "https://www.youtube.com/c/"},
	{regexp.MustCompile(`youtube\.com/channel/([^/?#]+)`), "https://www.youtube.com/channel/"},
	{regexp.MustCompile(`youtube\.com/user/([^/?#]+)`), "https://www.youtube.com/user/"},
}

// NormalizeChannelURL reduces the spellings of one channel URL (scheme,
// subdomain, tab suffix, trailing slash, case) to a single key. A bare
// "@handle" is accepted. Unknown URLs are trimmed and lowercased.
func NormalizeChannelURL(raw string) string {
	u := strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "@") {
		u = "youtube.com/" + u
	}
	for _, p := range channelURLPatterns {
		if m := p.re.FindStringSubmatch(u); m != nil {
			return p.prefix + m[1]
		}
	}
	return u
}
