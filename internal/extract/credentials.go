package extract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	netscapeHeader = "# Netscape HTTP Cookie File"
	defaultDomain  = ".youtube.com"
)

// Credentials are optional per-request cookies. Cookies may be a Netscape
// cookie file body, a JSON array exported from a browser, or a Cookie header
// ("a=1; b=2").
type Credentials struct {
	Cookies    string `json:"cookies,omitempty"`
	CookieFile string `json:"-"`
}

func (c *Credentials) empty() bool {
	return c == nil || (strings.TrimSpace(c.Cookies) == "" && strings.TrimSpace(c.CookieFile) == "")
}

// NormalizeCookies converts raw cookies into Netscape format.
func NormalizeCookies(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", nil
	case isNetscape(raw):
		return raw, nil
	case strings.HasPrefix(raw, "["):
		return jsonCookiesToNetscape(raw)
	case strings.Contains(raw, "="):
		return headerCookiesToNetscape(raw), nil
	default:
		return "", fmt.Errorf("unrecognized cookie format")
	}
}

func isNetscape(raw string) bool {
	lines := strings.Split(raw, "\n")
	if strings.Contains(lines[0], netscapeHeader) {
		return true
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(strings.Split(line, "\t")) == 7 {
			return true
		}
	}
	return false
}

type browserCookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	ExpirationDate float64 `json:"expirationDate"`
}

func jsonCookiesToNetscape(raw string) (string, error) {
	var cookies []browserCookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return "", fmt.Errorf("parse cookie json: %w", err)
	}
	lines := []string{netscapeHeader}
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		domain := c.Domain
		if domain == "" {
			domain = defaultDomain
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		lines = append(lines, netscapeLine(domain, path, c.Secure, int64(c.ExpirationDate), c.Name, c.Value))
	}
	return strings.Join(lines, "\n"), nil
}

func headerCookiesToNetscape(raw string) string {
	domain, path := defaultDomain, "/"
	type pair struct{ name, value string }
	var pairs []pair

	for _, part := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "domain":
			domain = value
		case "path":
			path = value
		case "secure", "httponly", "samesite", "expires", "max-age":
		default:
			pairs = append(pairs, pair{key, value})
		}
	}

	lines := []string{netscapeHeader}
	for _, p := range pairs {
		lines = append(lines, netscapeLine(domain, path, false, 0, p.name, p.value))
	}
	return strings.Join(lines, "\n")
}

func netscapeLine(domain, path string, secure bool, expires int64, name, value string) string {
	return strings.Join([]string{
		domain,
		boolFlag(strings.HasPrefix(domain, ".")),
		path,
		boolFlag(secure),
		fmt.Sprintf("%d", expires),
		name,
		value,
	}, "\t")
}

func boolFlag(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

// cookieFile resolves the cookie file yt-dlp should read. Inline cookies are
// written into dir; otherwise the explicit or default file is used when it
// exists.
func cookieFile(creds *Credentials, defaultFile, dir string) (string, error) {
	if !creds.empty() {
		if strings.TrimSpace(creds.Cookies) != "" {
			body, err := NormalizeCookies(creds.Cookies)
			if err != nil {
				return "", newError(KindUnauthorized, "", "invalid cookies", err)
			}
			path := filepath.Join(dir, "cookies.txt")
			if err := os.WriteFile(path, []byte(body+"\n"), 0o600); err != nil {
				return "", newError(KindTransient, "", "write cookie file", err)
			}
			return path, nil
		}
		return creds.CookieFile, nil
	}
	if defaultFile != "" {
		if _, err := os.Stat(defaultFile); err == nil {
			return defaultFile, nil
		}
	}
	return "", nil
}
