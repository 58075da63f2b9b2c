package version

import (
	"regexp"

	goversion "github.com/hashicorp/go-version"
)

// will be replaced with the release version when using goreleaser
var version = "development"

var (
	SemverRegexp = regexp.MustCompile("^" + goversion.SemverRegexpRaw + "$")
)

// RopeVersion returns the Rope version
func RopeVersion() string {
	return version
}

// IsRelease reports whether the binary was built with a semantic version
func IsRelease() bool {
	return SemverRegexp.MatchString(version)
}

// Semantic parses the build version, development builds report 0.0.0
func Semantic() *goversion.Version {
	v, err := goversion.NewSemver(version)
	if err != nil {
		v, _ = goversion.NewSemver("0.0.0")
	}
	return v
}
