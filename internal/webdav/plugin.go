// Package webdav serves the share-aware WebDAV tree on top of
// golang.org/x/net/webdav.
package webdav

import (
	"context"
	"encoding/xml"
	"strings"

	"github.com/fruitsalade/sharedav/pkg/models"
)

// XML namespaces of the ownCloud property extensions.
const (
	NSOwnCloud = "http://owncloud.org/ns"
	NSOCS      = "http://open-collaboration-services.org/ns"
)

// InfiniteDepth is the PropFindQuery depth of "Depth: infinity".
const InfiniteDepth = -1

// Plugin computes extra properties of nodes during PROPFIND.
type Plugin interface {
	// Properties lists the property names the plugin answers.
	Properties() []xml.Name

	// BeginPropFind runs once per PROPFIND before the tree walk starts.
	// An error fails the whole request.
	BeginPropFind(ctx context.Context, q *PropFindQuery) error

	// PropertyValue returns the unescaped text value of name for node.
	// ok is false when the node has no such property.
	PropertyValue(ctx context.Context, node *models.FileNode, name xml.Name) (value string, ok bool, err error)
}

// PropFindQuery describes one PROPFIND request.
type PropFindQuery struct {
	Path     string     // target path relative to the handler prefix
	Depth    int        // 0, 1 or InfiniteDepth
	AllProp  bool       // <allprop/> or empty body
	PropName bool       // <propname/>
	Props    []xml.Name // names listed in <prop>
	Include  []xml.Name // names listed in <include> alongside <allprop/>
}

// Requests reports whether name is listed explicitly in <prop>.
func (q *PropFindQuery) Requests(name xml.Name) bool {
	for _, n := range q.Props {
		if n == name {
			return true
		}
	}
	return false
}

// Wants reports whether the response will need the value of name.
func (q *PropFindQuery) Wants(name xml.Name) bool {
	if q.AllProp || q.PropName || q.Requests(name) {
		return true
	}
	for _, n := range q.Include {
		if n == name {
			return true
		}
	}
	return false
}

// escapeXML escapes a property value for use as raw inner XML.
func escapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}
