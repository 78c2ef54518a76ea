// Package policysource loads policy documents and keeps the registry current.
//
// A source names the document it would serve by a content digest, so a
// poller can tell whether anything changed without downloading it. The
// watcher swaps a new set into the registry only after it parsed and
// validated, a broken document never replaces a working one.
package policysource

import (
	"context"
	"os"
	"strings"

	"github.com/keithlinneman/linnemanlabs-admission/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-admission/internal/policy"
	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// Fetcher is what the watcher needs from a source.
type Fetcher interface {
	// CurrentVersion returns the digest of the document the source would load now.
	CurrentVersion(ctx context.Context) (string, error)
	// Load fetches the document with the given digest, verifies and parses it.
	Load(ctx context.Context, version string) (*policy.Set, error)
}

// LoadCurrent asks src for its current digest and loads that document.
func LoadCurrent(ctx context.Context, src Fetcher) (string, *policy.Set, error) {
	version, err := src.CurrentVersion(ctx)
	if err != nil {
		return "", nil, err
	}
	set, err := src.Load(ctx, version)
	if err != nil {
		return "", nil, err
	}
	return version, set, nil
}

// FileSource reads a YAML or JSON document from disk. Its version is the
// SHA-256 of the file contents.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Path() string { return f.path }

func (f *FileSource) CurrentVersion(ctx context.Context) (string, error) {
	data, err := f.read()
	if err != nil {
		return "", err
	}
	return cryptoutil.SHA256Hex(data), nil
}

func (f *FileSource) Load(ctx context.Context, version string) (*policy.Set, error) {
	data, err := f.read()
	if err != nil {
		return nil, err
	}
	digest := cryptoutil.SHA256Hex(data)
	// the file may have been rewritten since CurrentVersion, next poll picks that up
	if version != "" && !cryptoutil.HashEqual(digest, version) {
		return nil, xerrors.Newf("policy file %s changed while loading: expected %s, got %s", f.path, cryptoutil.ShortDigest(version), cryptoutil.ShortDigest(digest))
	}
	return parse(data, digest, "file:"+f.path)
}

func (f *FileSource) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", f.path)
	}
	return data, nil
}

// parse decodes a document and fills in provenance. A document without a
// version is labelled by its digest.
func parse(data []byte, digest, source string) (*policy.Set, error) {
	set, err := policy.ParseDocument(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy document from %s", source)
	}
	if strings.TrimSpace(set.Version) == "" {
		set.Version = cryptoutil.ShortDigest(digest)
	}
	set.Source = source
	set.Digest = digest
	return &set, nil
}
