package webdav

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/sharedav/internal/logging"
)

var errInvalidDepth = errors.New("invalid depth")

// propfindBody mirrors the DAV:propfind request element.
type propfindBody struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	AllProp  *struct{} `xml:"DAV: allprop"`
	PropName *struct{} `xml:"DAV: propname"`
	Prop     propNames `xml:"DAV: prop"`
	Include  propNames `xml:"DAV: include"`
}

type propNames []xml.Name

// UnmarshalXML collects the names of the child elements.
func (pn *propNames) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		t, err := d.Token()
		if err != nil {
			return err
		}
		switch elem := t.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			*pn = append(*pn, elem.Name)
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}
}

// PropFindInterceptor runs the plugins' BeginPropFind hooks for PROPFIND
// requests before handing them to next. Requests it cannot parse are passed
// through untouched so x/net/webdav reports the error.
func PropFindInterceptor(plugins []Plugin, prefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != "PROPFIND" {
				next.ServeHTTP(w, r)
				return
			}

			q, err := parsePropFind(r, prefix)
			if err != nil {
				logging.WithContext(r.Context()).Debug("propfind not intercepted", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			ctx := withQuery(r.Context(), q)
			for _, p := range plugins {
				if err := p.BeginPropFind(ctx, q); err != nil {
					logging.WithContext(ctx).Error("propfind prefetch failed",
						zap.String("path", q.Path),
						zap.Int("depth", q.Depth),
						zap.Error(err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parsePropFind reads the PROPFIND target, depth and body. The body is
// restored on r so it can be read again.
func parsePropFind(r *http.Request, prefix string) (*PropFindQuery, error) {
	target, ok := stripPrefix(r.URL.Path, prefix)
	if !ok {
		return nil, fmt.Errorf("path %q outside prefix %q", r.URL.Path, prefix)
	}

	depth := InfiniteDepth
	if hdr := r.Header.Get("Depth"); hdr != "" {
		d, err := parseDepth(hdr)
		if err != nil {
			return nil, err
		}
		depth = d
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		body = b
	}

	q := &PropFindQuery{Path: target, Depth: depth}
	if len(bytes.TrimSpace(body)) == 0 {
		q.AllProp = true
		return q, nil
	}

	var pf propfindBody
	if err := xml.Unmarshal(body, &pf); err != nil {
		return nil, fmt.Errorf("parse body: %w", err)
	}
	q.AllProp = pf.AllProp != nil
	q.PropName = pf.PropName != nil
	q.Props = pf.Prop
	q.Include = pf.Include
	if !q.AllProp && !q.PropName && len(q.Props) == 0 {
		return nil, errors.New("empty propfind")
	}
	return q, nil
}

func parseDepth(s string) (int, error) {
	switch s {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	case "infinity":
		return InfiniteDepth, nil
	}
	return 0, errInvalidDepth
}

func stripPrefix(p, prefix string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return path.Clean("/" + p), true
	}
	if p != prefix && !strings.HasPrefix(p, prefix+"/") {
		return "", false
	}
	return path.Clean("/" + strings.TrimPrefix(p, prefix)), true
}
