// Package testutil builds SAML metadata documents for tests.
package testutil

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	nsMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	nsAttribute = "urn:oasis:names:tc:SAML:metadata:attribute"
	nsAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
)

// Builder accumulates entities and renders them as one EntitiesDescriptor.
type Builder struct {
	name          string
	validUntil    time.Time
	cacheDuration string
	entities      []entityData
	groups        []*Builder
}

// NewBuilder creates a builder for a group with the given Name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// WithEntity adds an entity with optional configuration.
func (b *Builder) WithEntity(id string, opts ...EntityOption) *Builder {
	e := defaultEntity(id)
	for _, opt := range opts {
		opt(&e)
	}
	b.entities = append(b.entities, e)
	return b
}

// WithGroup nests g inside this group.
func (b *Builder) WithGroup(g *Builder) *Builder {
	b.groups = append(b.groups, g)
	return b
}

// ValidUntil sets validUntil on the group.
func (b *Builder) ValidUntil(t time.Time) *Builder {
	b.validUntil = t
	return b
}

// CacheDuration sets cacheDuration on the group, e.g. "PT1H".
func (b *Builder) CacheDuration(d string) *Builder {
	b.cacheDuration = d
	return b
}

// Build renders the group document.
func (b *Builder) Build() []byte {
	var buf bytes.Buffer
	b.write(&buf, true)
	return buf.Bytes()
}

// WriteFile renders the document into dir/name and returns the path.
func (b *Builder) WriteFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b.Build(), 0o600))
	return path
}

// Entity renders a standalone EntityDescriptor document, as served by MDQ.
func Entity(id string, opts ...EntityOption) []byte {
	e := defaultEntity(id)
	for _, opt := range opts {
		opt(&e)
	}
	var buf bytes.Buffer
	e.write(&buf, true)
	return buf.Bytes()
}

func (b *Builder) write(buf *bytes.Buffer, root bool) {
	buf.WriteString("<EntitiesDescriptor")
	if root {
		writeNamespaces(buf)
	}
	writeAttr(buf, "Name", b.name)
	writeLifetime(buf, b.validUntil, b.cacheDuration)
	buf.WriteString(">")
	for _, g := range b.groups {
		g.write(buf, false)
	}
	for _, e := range b.entities {
		e.write(buf, false)
	}
	buf.WriteString("</EntitiesDescriptor>")
}

func (e entityData) write(buf *bytes.Buffer, root bool) {
	buf.WriteString("<EntityDescriptor")
	if root {
		writeNamespaces(buf)
	}
	writeAttr(buf, "entityID", e.id)
	writeLifetime(buf, e.validUntil, e.cacheDuration)
	buf.WriteString(">")

	if len(e.attributes) > 0 {
		buf.WriteString("<Extensions><mdattr:EntityAttributes>")
		for _, a := range e.attributes {
			buf.WriteString("<saml:Attribute")
			writeAttr(buf, "Name", a.name)
			buf.WriteString(">")
			for _, v := range a.values {
				buf.WriteString("<saml:AttributeValue>")
				_ = xml.EscapeText(buf, []byte(v))
				buf.WriteString("</saml:AttributeValue>")
			}
			buf.WriteString("</saml:Attribute>")
		}
		buf.WriteString("</mdattr:EntityAttributes></Extensions>")
	}

	for _, r := range e.roles {
		buf.WriteString("<" + r.kind)
		writeAttr(buf, "protocolSupportEnumeration", r.protocols)
		buf.WriteString(">")
		for _, ep := range r.endpoints {
			buf.WriteString("<" + ep.kind)
			writeAttr(buf, "Binding", ep.binding)
			writeAttr(buf, "Location", ep.location)
			if ep.index >= 0 {
				writeAttr(buf, "index", fmt.Sprint(ep.index))
			}
			buf.WriteString("/>")
		}
		buf.WriteString("</" + r.kind + ">")
	}
	buf.WriteString("</EntityDescriptor>")
}

func writeNamespaces(buf *bytes.Buffer) {
	writeAttr(buf, "xmlns", nsMetadata)
	writeAttr(buf, "xmlns:mdattr", nsAttribute)
	writeAttr(buf, "xmlns:saml", nsAssertion)
}

func writeLifetime(buf *bytes.Buffer, validUntil time.Time, cacheDuration string) {
	if !validUntil.IsZero() {
		writeAttr(buf, "validUntil", validUntil.UTC().Format(time.RFC3339))
	}
	writeAttr(buf, "cacheDuration", cacheDuration)
}

// writeAttr skips empty values.
func writeAttr(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString(" " + name + `="`)
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString(`"`)
}
