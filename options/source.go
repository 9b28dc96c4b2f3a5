package options

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DefaultVersion is the release launched when no input token is given.
const DefaultVersion = "20251026"

var versionRe = regexp.MustCompile(`^\d{8}$`)

// SourceKind classifies the positional input token.
type SourceKind int

const (
	SourceVersion SourceKind = iota // 8-digit release stamp, expanded to a download URL
	SourceURL                       // direct http(s) download
	SourcePath                      // local file
)

func (k SourceKind) String() string {
	switch k {
	case SourceVersion:
		return "version"
	case SourceURL:
		return "url"
	default:
		return "path"
	}
}

// Source is where boot media comes from.
type Source struct {
	Kind SourceKind
	// Version is set for SourceVersion.
	Version string
	// URL is set for SourceVersion and SourceURL.
	URL string
	// Path is set for SourcePath.
	Path string
}

// Remote reports whether the media must be downloaded.
func (s Source) Remote() bool { return s.Kind != SourcePath }

// Filename is the basename the media is cached under.
func (s Source) Filename() string {
	if !s.Remote() {
		return path.Base(s.Path)
	}
	if u, err := url.Parse(s.URL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(s.URL)
}

func (s Source) String() string {
	if s.Remote() {
		return s.URL
	}
	return s.Path
}

// DownloadURL expands a release version into its text-installer ISO URL.
func DownloadURL(version string) string {
	return fmt.Sprintf("https://dlc.openindiana.org/isos/hipster/%s/OI-hipster-text-%s.iso", version, version)
}

// ClassifyInput maps a positional token to a Source. An empty token selects DefaultVersion.
func ClassifyInput(token string) Source {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return Source{Kind: SourceVersion, Version: DefaultVersion, URL: DownloadURL(DefaultVersion)}
	case versionRe.MatchString(token):
		return Source{Kind: SourceVersion, Version: token, URL: DownloadURL(token)}
	case strings.HasPrefix(token, "http://"), strings.HasPrefix(token, "https://"):
		return Source{Kind: SourceURL, URL: token}
	default:
		return Source{Kind: SourcePath, Path: token}
	}
}
