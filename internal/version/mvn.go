package version

import (
	"fmt"
	"path"
	"strings"
)

// DefaultType is the artifact type assumed when a reference leaves it empty.
const DefaultType = "jar"

// Artifact is a maven coordinate as used in "mvn:" module locations.
type Artifact struct {
	GroupID    string
	ArtifactID string
	Version    string
	Type       string
	Classifier string
}

// ParseMvnURI parses "mvn:group/artifact/version[/type[/classifier]]".
// An optional repository prefix ("http://repo!") is ignored. Empty type
// segments default to jar, so "g/a/1.0//uber" and "g/a/1.0/jar/uber" are the
// same artifact.
func ParseMvnURI(uri string) (Artifact, error) {
	s := strings.TrimSpace(uri)
	if !strings.HasPrefix(s, "mvn:") {
		return Artifact{}, fmt.Errorf("not an mvn uri: %q", uri)
	}
	s = strings.TrimPrefix(s, "mvn:")
	if i := strings.LastIndexByte(s, '!'); i >= 0 {
		s = s[i+1:]
	}
	// strip trailing directives such as ";range=[1,2)"
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}

	segs := strings.Split(s, "/")
	if len(segs) < 3 || segs[0] == "" || segs[1] == "" || segs[2] == "" {
		return Artifact{}, fmt.Errorf("invalid mvn uri %q: need group/artifact/version", uri)
	}
	if len(segs) > 5 {
		return Artifact{}, fmt.Errorf("invalid mvn uri %q: too many segments", uri)
	}

	a := Artifact{GroupID: segs[0], ArtifactID: segs[1], Version: segs[2], Type: DefaultType}
	if len(segs) > 3 && segs[3] != "" {
		a.Type = segs[3]
	}
	if len(segs) > 4 {
		a.Classifier = segs[4]
	}
	return a, nil
}

// ParseArtifactPath parses a repository-layout path such as
// "org/foo/foo-core/1.2.0/foo-core-1.2.0-uber.jar".
func ParseArtifactPath(p string) (Artifact, error) {
	segs := strings.Split(path.Clean(strings.TrimPrefix(p, "/")), "/")
	if len(segs) < 4 {
		return Artifact{}, fmt.Errorf("invalid artifact path %q", p)
	}
	n := len(segs)
	file, ver, art := segs[n-1], segs[n-2], segs[n-3]
	group := strings.Join(segs[:n-3], ".")

	prefix := art + "-" + ver
	if !strings.HasPrefix(file, prefix) {
		return Artifact{}, fmt.Errorf("invalid artifact path %q: file does not match %s", p, prefix)
	}
	rest := strings.TrimPrefix(file, prefix)
	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return Artifact{}, fmt.Errorf("invalid artifact path %q: missing extension", p)
	}

	a := Artifact{GroupID: group, ArtifactID: art, Version: ver, Type: rest[dot+1:]}
	if cls := rest[:dot]; cls != "" {
		if cls[0] != '-' {
			return Artifact{}, fmt.Errorf("invalid artifact path %q", p)
		}
		a.Classifier = cls[1:]
	}
	return a, nil
}

// Path is the canonical repository-layout path of the artifact.
func (a Artifact) Path() string {
	name := a.ArtifactID + "-" + a.Version
	if a.Classifier != "" {
		name += "-" + a.Classifier
	}
	typ := a.Type
	if typ == "" {
		typ = DefaultType
	}
	return strings.ReplaceAll(a.GroupID, ".", "/") + "/" + a.ArtifactID + "/" + a.Version + "/" + name + "." + typ
}

// URI is the canonical mvn uri. The type is only spelled out when it is not
// the default or a classifier follows it.
func (a Artifact) URI() string {
	s := "mvn:" + a.GroupID + "/" + a.ArtifactID + "/" + a.Version
	typ := a.Type
	if typ == "" {
		typ = DefaultType
	}
	if typ != DefaultType || a.Classifier != "" {
		s += "/" + typ
	}
	if a.Classifier != "" {
		s += "/" + a.Classifier
	}
	return s
}

// Identity is group/artifact[/classifier], independent of version.
func (a Artifact) Identity() string {
	id := a.GroupID + "/" + a.ArtifactID
	if a.Classifier != "" {
		id += "/" + a.Classifier
	}
	return id
}

// ParsedVersion parses the artifact's version.
func (a Artifact) ParsedVersion() (Version, error) {
	return Parse(a.Version)
}

// WithVersion returns a copy of a at version v.
func (a Artifact) WithVersion(v string) Artifact {
	a.Version = v
	return a
}

// CanonicalLocation normalises a module location: mvn uris are rewritten in
// canonical form, anything else is returned unchanged.
func CanonicalLocation(loc string) string {
	a, err := ParseMvnURI(loc)
	if err != nil {
		return strings.TrimSpace(loc)
	}
	return a.URI()
}
