package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMvnURI(t *testing.T) {
	a, err := ParseMvnURI("mvn:org.foo/foo-core/1.2.0")
	require.NoError(t, err)
	assert.Equal(t, Artifact{GroupID: "org.foo", ArtifactID: "foo-core", Version: "1.2.0", Type: "jar"}, a)
	assert.Equal(t, "org/foo/foo-core/1.2.0/foo-core-1.2.0.jar", a.Path())
	assert.Equal(t, "mvn:org.foo/foo-core/1.2.0", a.URI())
	assert.Equal(t, "org.foo/foo-core", a.Identity())
}

func TestParseMvnURI_FlavorsCollapse(t *testing.T) {
	a, err := ParseMvnURI("mvn:g/a/1.0.1/jar/uber")
	require.NoError(t, err)
	b, err := ParseMvnURI("mvn:g/a/1.0.1//uber")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "g/a/1.0.1/a-1.0.1-uber.jar", a.Path())
	assert.Equal(t, a.Path(), b.Path())
	assert.Equal(t, "mvn:g/a/1.0.1/jar/uber", b.URI())
}

func TestParseMvnURI_Prefixes(t *testing.T) {
	a, err := ParseMvnURI("mvn:http://repo.example.com/maven2!g/a/1.0;range=[1,2)")
	require.NoError(t, err)
	assert.Equal(t, "mvn:g/a/1.0", a.URI())
}

func TestParseMvnURI_Invalid(t *testing.T) {
	for _, bad := range []string{"file:/tmp/x.jar", "mvn:g/a", "mvn:g//1.0", "mvn:a/b/c/d/e/f"} {
		_, err := ParseMvnURI(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseArtifactPath(t *testing.T) {
	a, err := ParseArtifactPath("org/foo/foo-core/1.2.0/foo-core-1.2.0-uber.jar")
	require.NoError(t, err)
	assert.Equal(t, Artifact{GroupID: "org.foo", ArtifactID: "foo-core", Version: "1.2.0", Type: "jar", Classifier: "uber"}, a)

	a, err = ParseArtifactPath("org/foo/foo-features/1.2.0/foo-features-1.2.0-features.yaml")
	require.NoError(t, err)
	assert.Equal(t, "features", a.Classifier)
	assert.Equal(t, "yaml", a.Type)

	_, err = ParseArtifactPath("org/foo/x.jar")
	assert.Error(t, err)
	_, err = ParseArtifactPath("org/foo/foo-core/1.2.0/other-1.2.0.jar")
	assert.Error(t, err)
}

func TestCanonicalLocation(t *testing.T) {
	assert.Equal(t, "mvn:g/a/1.0.1/jar/uber", CanonicalLocation("mvn:g/a/1.0.1//uber"))
	assert.Equal(t, "file:/opt/x.jar", CanonicalLocation(" file:/opt/x.jar "))
}
