package patch

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/patchkit/internal/props"
	"github.com/roach88/patchkit/internal/version"
)

// Descriptor is the immutable description of a patch, loaded from its
// "<id>.patch" key=value file. Nothing mutates a Descriptor after Load.
type Descriptor struct {
	ID          string
	Rollup      bool
	Version     string
	Description string

	// Modules are ordered module references shipped by the patch.
	Modules []ModuleRef

	// Features are mvn uris of feature repository files.
	Features []string

	Files        []FileEntry
	Requirements []string
	CVEs         []CVE
}

// ModuleRef references one module artifact and optionally the range of
// installed versions it may replace.
type ModuleRef struct {
	Location string
	Range    string
	Name     string
}

// Artifact parses the reference location.
func (m ModuleRef) Artifact() (version.Artifact, error) {
	return version.ParseMvnURI(m.Location)
}

// ModuleName is the explicit name, or the artifact id when none is declared.
func (m ModuleRef) ModuleName() string {
	if m.Name != "" {
		return m.Name
	}
	a, err := m.Artifact()
	if err != nil {
		return ""
	}
	return a.ArtifactID
}

// FileEntry is a file added by the patch, or removed when Delete is set.
// Removal paths may be glob patterns.
type FileEntry struct {
	Path   string
	Delete bool
}

// CVE is a vulnerability record fixed by the patch.
type CVE struct {
	ID           string `json:"id"`
	Description  string `json:"description,omitempty"`
	Link         string `json:"link,omitempty"`
	BugzillaLink string `json:"bz_link,omitempty"`
}

// Kind returns the patch kind.
func (d *Descriptor) Kind() Kind {
	if d.Rollup {
		return KindRollup
	}
	return KindNonRollup
}

// ProductVersion is the version a rollup establishes. It falls back to the
// patch id when the descriptor does not declare one.
func (d *Descriptor) ProductVersion() string {
	if d.Version != "" {
		return d.Version
	}
	return d.ID
}

// LoadDescriptorFile reads a descriptor from path.
func LoadDescriptorFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptor: %w", err)
	}
	defer f.Close()
	return LoadDescriptor(f)
}

// LoadDescriptor parses a descriptor.
//
// Recognised keys: id, rollup, version, description, bundle.N (+ .range,
// .name), featureDescriptor.N, file.N (+ .delete), requirement.N,
// cve.N (+ .description, .link, .bz-link). List sizes come from
// "<prefix>.count"; without a count, indexes are read until the first gap.
func LoadDescriptor(r io.Reader) (*Descriptor, error) {
	p, err := props.Parse(r)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		ID:          strings.TrimSpace(p.Value("id")),
		Version:     p.Value("version"),
		Description: p.Value("description"),
	}
	if d.ID == "" {
		return nil, NewValidationError(ErrCodeInvalidDescriptor, "descriptor has no id")
	}
	if v := p.Value("rollup"); v != "" {
		d.Rollup, err = strconv.ParseBool(v)
		if err != nil {
			return nil, NewValidationError(ErrCodeInvalidDescriptor, fmt.Sprintf("patch %s: invalid rollup flag %q", d.ID, v))
		}
	}

	err = eachIndexed(p, d.ID, "bundle", func(i int, v string) error {
		ref := ModuleRef{
			Location: v,
			Range:    p.Value(fmt.Sprintf("bundle.%d.range", i)),
			Name:     p.Value(fmt.Sprintf("bundle.%d.name", i)),
		}
		if ref.Range != "" {
			if _, err := version.ParseRange(ref.Range); err != nil {
				return NewValidationError(ErrCodeUnresolvableRange, fmt.Sprintf("patch %s: bundle.%d: %v", d.ID, i, err))
			}
		}
		d.Modules = append(d.Modules, ref)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachIndexed(p, d.ID, "featureDescriptor", func(_ int, v string) error {
		d.Features = append(d.Features, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = eachIndexed(p, d.ID, "file", func(i int, v string) error {
		entry := FileEntry{Path: v}
		key := fmt.Sprintf("file.%d.delete", i)
		if raw := strings.TrimSpace(p.Value(key)); raw != "" {
			del, err := strconv.ParseBool(raw)
			if err != nil {
				return NewValidationError(ErrCodeInvalidDescriptor, fmt.Sprintf("patch %s: invalid %s flag %q", d.ID, key, raw))
			}
			entry.Delete = del
		}
		d.Files = append(d.Files, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = eachIndexed(p, d.ID, "requirement", func(_ int, v string) error {
		d.Requirements = append(d.Requirements, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = eachIndexed(p, d.ID, "cve", func(i int, v string) error {
		d.CVEs = append(d.CVEs, CVE{
			ID:           v,
			Description:  p.Value(fmt.Sprintf("cve.%d.description", i)),
			Link:         p.Value(fmt.Sprintf("cve.%d.link", i)),
			BugzillaLink: p.Value(fmt.Sprintf("cve.%d.bz-link", i)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

// eachIndexed calls fn for every "<prefix>.N" entry in index order.
//
// With a "<prefix>.count" key only the indexes below the count that are
// actually present are visited, so a huge count costs nothing. Without one,
// indexes are read until the first gap.
func eachIndexed(p *props.Properties, id, prefix string, fn func(int, string) error) error {
	raw, ok := p.Get(prefix + ".count")
	if !ok {
		for i := 0; ; i++ {
			v, ok := p.Get(fmt.Sprintf("%s.%d", prefix, i))
			if !ok {
				return nil
			}
			if err := fn(i, strings.TrimSpace(v)); err != nil {
				return err
			}
		}
	}

	count, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || count < 0 {
		return NewValidationError(ErrCodeInvalidDescriptor, fmt.Sprintf("patch %s: invalid %s.count %q", id, prefix, raw))
	}
	var indexes []int
	for _, key := range p.Keys() {
		rest, ok := strings.CutPrefix(key, prefix+".")
		if !ok {
			continue
		}
		i, err := strconv.Atoi(rest)
		if err != nil || i < 0 || i >= count || strconv.Itoa(i) != rest {
			continue
		}
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	indexes = slices.Compact(indexes)
	for _, i := range indexes {
		v, _ := p.Get(fmt.Sprintf("%s.%d", prefix, i))
		if err := fn(i, strings.TrimSpace(v)); err != nil {
			return err
		}
	}
	return nil
}

// Bytes renders the descriptor back into key=value form.
func (d *Descriptor) Bytes() []byte {
	p := props.New()
	p.Set("id", d.ID)
	p.Set("rollup", strconv.FormatBool(d.Rollup))
	if d.Version != "" {
		p.Set("version", d.Version)
	}
	if d.Description != "" {
		p.Set("description", d.Description)
	}
	p.Set("bundle.count", strconv.Itoa(len(d.Modules)))
	for i, m := range d.Modules {
		p.Set(fmt.Sprintf("bundle.%d", i), m.Location)
		if m.Range != "" {
			p.Set(fmt.Sprintf("bundle.%d.range", i), m.Range)
		}
		if m.Name != "" {
			p.Set(fmt.Sprintf("bundle.%d.name", i), m.Name)
		}
	}
	p.Set("featureDescriptor.count", strconv.Itoa(len(d.Features)))
	for i, f := range d.Features {
		p.Set(fmt.Sprintf("featureDescriptor.%d", i), f)
	}
	p.Set("file.count", strconv.Itoa(len(d.Files)))
	for i, f := range d.Files {
		p.Set(fmt.Sprintf("file.%d", i), f.Path)
		if f.Delete {
			p.Set(fmt.Sprintf("file.%d.delete", i), "true")
		}
	}
	p.Set("requirement.count", strconv.Itoa(len(d.Requirements)))
	for i, r := range d.Requirements {
		p.Set(fmt.Sprintf("requirement.%d", i), r)
	}
	p.Set("cve.count", strconv.Itoa(len(d.CVEs)))
	for i, c := range d.CVEs {
		p.Set(fmt.Sprintf("cve.%d", i), c.ID)
		if c.Description != "" {
			p.Set(fmt.Sprintf("cve.%d.description", i), c.Description)
		}
		if c.Link != "" {
			p.Set(fmt.Sprintf("cve.%d.link", i), c.Link)
		}
		if c.BugzillaLink != "" {
			p.Set(fmt.Sprintf("cve.%d.bz-link", i), c.BugzillaLink)
		}
	}
	return p.Bytes()
}
