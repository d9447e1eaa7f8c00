package object

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for source references whose scheme no
// configured fetcher handles.
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// Range selects a byte range of an object. A non-positive Length reads to
// the end of the object.
type Range struct {
	Offset int64
	Length int64
}

// Object is the content fetched from storage.
type Object struct {
	Content     []byte
	ContentType string
	// Size is the size reported by the backend, which may be the size of
	// the requested range.
	Size int64
}

// Fetcher reads source files referenced by tasks.
type Fetcher interface {
	Fetch(ctx context.Context, ref string, rng Range) (*Object, error)
}

// Ref is a parsed source reference such as "minio://bucket/path/menu.pdf".
type Ref struct {
	Scheme string
	Bucket string
	Path   string
}

// ParseRef splits a source reference into scheme, bucket and object path.
// HTTP(S) references keep the full URL in Path.
func ParseRef(ref string) (Ref, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return Ref{}, fmt.Errorf("parsing source reference: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "":
		return Ref{}, fmt.Errorf("source reference %q has no scheme", ref)
	case "http", "https":
		return Ref{Scheme: scheme, Path: ref}, nil
	}

	path := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || path == "" {
		return Ref{}, fmt.Errorf("source reference %q must name a bucket and an object", ref)
	}
	return Ref{Scheme: scheme, Bucket: u.Host, Path: path}, nil
}

// Resolver routes a reference to the fetcher registered for its scheme.
type Resolver struct {
	fetchers map[string]Fetcher
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{fetchers: map[string]Fetcher{}}
}

// Register makes f handle the given schemes.
func (r *Resolver) Register(f Fetcher, schemes ...string) {
	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
}

// Fetch implements Fetcher.
func (r *Resolver) Fetch(ctx context.Context, ref string, rng Range) (*Object, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	f, ok := r.fetchers[parsed.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
	return f.Fetch(ctx, ref, rng)
}
