package object

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestParseRef(t *testing.T) {
	c := qt.New(t)

	tests := []struct {
		ref     string
		want    Ref
		wantErr string
	}{
		{ref: "minio://uploads/tenant-1/menu.pdf", want: Ref{Scheme: "minio", Bucket: "uploads", Path: "tenant-1/menu.pdf"}},
		{ref: "s3://uploads/menu.txt", want: Ref{Scheme: "s3", Bucket: "uploads", Path: "menu.txt"}},
		{ref: "GS://bucket/a/b.png", want: Ref{Scheme: "gs", Bucket: "bucket", Path: "a/b.png"}},
		{ref: "https://cdn.example.com/menu.pdf?sig=1", want: Ref{Scheme: "https", Path: "https://cdn.example.com/menu.pdf?sig=1"}},
		{ref: "minio://uploads", wantErr: `source reference "minio://uploads" must name a bucket and an object`},
		{ref: "menu.pdf", wantErr: `source reference "menu.pdf" has no scheme`},
	}

	for _, tc := range tests {
		c.Run(tc.ref, func(c *qt.C) {
			got, err := ParseRef(tc.ref)
			if tc.wantErr != "" {
				c.Check(err, qt.ErrorMatches, tc.wantErr)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Check(got, qt.Equals, tc.want)
		})
	}
}

type staticFetcher struct {
	refs []string
}

func (f *staticFetcher) Fetch(_ context.Context, ref string, _ Range) (*Object, error) {
	f.refs = append(f.refs, ref)
	return &Object{Content: []byte(ref)}, nil
}

func TestResolver(t *testing.T) {
	c := qt.New(t)

	minio := &staticFetcher{}
	gcs := &staticFetcher{}
	r := NewResolver()
	r.Register(minio, "minio", "s3")
	r.Register(gcs, "gs")

	_, err := r.Fetch(context.Background(), "s3://b/k", Range{})
	c.Assert(err, qt.IsNil)
	_, err = r.Fetch(context.Background(), "gs://b/k", Range{})
	c.Assert(err, qt.IsNil)

	c.Check(minio.refs, qt.DeepEquals, []string{"s3://b/k"})
	c.Check(gcs.refs, qt.DeepEquals, []string{"gs://b/k"})

	_, err = r.Fetch(context.Background(), "ftp://b/k", Range{})
	c.Check(err, qt.ErrorIs, ErrUnsupportedScheme)
}

func TestHTTPFetcher(t *testing.T) {
	c := qt.New(t)

	const body = "0123456789"

	c.Run("range honoured", func(c *qt.C) {
		var gotRange string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRange = r.Header.Get("Range")
			http.ServeContent(w, r, "menu.txt", time.Time{}, strings.NewReader(body))
		}))
		defer srv.Close()

		obj, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), srv.URL+"/menu.txt", Range{Length: 4})
		c.Assert(err, qt.IsNil)
		c.Check(gotRange, qt.Equals, "bytes=0-3")
		c.Check(string(obj.Content), qt.Equals, "0123")
		c.Check(obj.ContentType, qt.Matches, "text/plain.*")
	})

	c.Run("range ignored by server", func(c *qt.C) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		defer srv.Close()

		obj, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), srv.URL, Range{Offset: 2, Length: 3})
		c.Assert(err, qt.IsNil)
		c.Check(string(obj.Content), qt.Equals, "234")
	})

	c.Run("whole object", func(c *qt.C) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Check(r.Header.Get("Range"), qt.Equals, "")
			_, _ = w.Write([]byte(body))
		}))
		defer srv.Close()

		obj, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), srv.URL, Range{})
		c.Assert(err, qt.IsNil)
		c.Check(string(obj.Content), qt.Equals, body)
	})

	c.Run("not found", func(c *qt.C) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), srv.URL+"/missing", Range{})
		c.Check(err, qt.ErrorMatches, ".*unexpected status 404 Not Found")
	})
}

func TestUnwrapServiceAccountKey(t *testing.T) {
	c := qt.New(t)

	plain := []byte(`{"type":"service_account","client_email":"a@b"}`)
	got, err := unwrapServiceAccountKey(plain)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, string(plain))

	wrapped := []byte(`{"data":{"data":{"type":"service_account"}}}`)
	got, err = unwrapServiceAccountKey(wrapped)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, `{"type":"service_account"}`)
}
