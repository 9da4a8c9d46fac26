package metadata

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrEmptyDocument is returned for input with no root element.
var ErrEmptyDocument = errors.New("document has no root element")

// UnmarshalError reports malformed metadata input.
type UnmarshalError struct {
	Element string
	Err     error
}

func (e *UnmarshalError) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("unmarshal metadata: %v", e.Err)
	}
	return fmt.Sprintf("unmarshal metadata: %s: %v", e.Element, e.Err)
}

func (e *UnmarshalError) Unwrap() error { return e.Err }

var roleKinds = map[string]bool{
	RoleIDPSSO:             true,
	RoleSPSSO:              true,
	RoleAttributeAuthority: true,
	RoleAuthnAuthority:     true,
	RolePDP:                true,
	"RoleDescriptor":       true,
}

// Unmarshal parses a metadata document. The root is an *EntitiesDescriptor,
// an *EntityDescriptor, or *Other for any other element.
func Unmarshal(data []byte) (Element, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil, &UnmarshalError{Err: ErrEmptyDocument}
		}
		if err != nil {
			return nil, &UnmarshalError{Err: err}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var root Element
		switch {
		case start.Name.Space == NSMetadata && start.Name.Local == "EntitiesDescriptor":
			root, err = decodeGroup(d, start)
		case start.Name.Space == NSMetadata && start.Name.Local == "EntityDescriptor":
			root, err = decodeEntity(d, start)
		default:
			other := &Other{Name: start.Name}
			other.Life, err = decodeLifetime(start)
			if err == nil {
				err = d.Skip()
			}
			root = other
		}
		if err != nil {
			var ue *UnmarshalError
			if errors.As(err, &ue) {
				return nil, ue
			}
			return nil, &UnmarshalError{Element: start.Name.Local, Err: err}
		}
		return root, nil
	}
}

func decodeGroup(d *xml.Decoder, start xml.StartElement) (*EntitiesDescriptor, error) {
	g := &EntitiesDescriptor{
		ID:   attr(start, "ID"),
		Name: attr(start, "Name"),
	}
	life, err := decodeLifetime(start)
	if err != nil {
		return nil, &UnmarshalError{Element: "EntitiesDescriptor", Err: err}
	}
	g.Life = life

	err = eachChild(d, func(child xml.StartElement) error {
		switch child.Name.Local {
		case "EntityDescriptor":
			e, err := decodeEntity(d, child)
			if err != nil {
				return err
			}
			g.Add(e)
		case "EntitiesDescriptor":
			sub, err := decodeGroup(d, child)
			if err != nil {
				return err
			}
			g.Add(sub)
		case "Extensions":
			ext, err := decodeExtensions(d)
			if err != nil {
				return err
			}
			g.Attributes = ext.attributes
		case "Signature":
			sig, err := decodeRaw(d, child)
			if err != nil {
				return err
			}
			g.Signature = sig
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func decodeEntity(d *xml.Decoder, start xml.StartElement) (*EntityDescriptor, error) {
	e := &EntityDescriptor{
		EntityID: strings.TrimSpace(attr(start, "entityID")),
		ID:       attr(start, "ID"),
	}
	if e.EntityID == "" {
		return nil, &UnmarshalError{Element: "EntityDescriptor", Err: errors.New("missing entityID")}
	}
	life, err := decodeLifetime(start)
	if err != nil {
		return nil, &UnmarshalError{Element: "EntityDescriptor " + e.EntityID, Err: err}
	}
	e.Life = life

	err = eachChild(d, func(child xml.StartElement) error {
		switch {
		case roleKinds[child.Name.Local]:
			r, err := decodeRole(d, child)
			if err != nil {
				return &UnmarshalError{Element: "EntityDescriptor " + e.EntityID, Err: err}
			}
			e.AddRole(r)
		case child.Name.Local == "Extensions":
			ext, err := decodeExtensions(d)
			if err != nil {
				return err
			}
			e.Attributes = ext.attributes
		case child.Name.Local == "Signature":
			sig, err := decodeRaw(d, child)
			if err != nil {
				return err
			}
			e.Signature = sig
		default:
			return d.Skip()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeRole(d *xml.Decoder, start xml.StartElement) (*RoleDescriptor, error) {
	r := &RoleDescriptor{
		Kind:      start.Name.Local,
		Protocols: strings.Fields(attr(start, "protocolSupportEnumeration")),
	}
	if r.Kind == "RoleDescriptor" {
		if t := xsiType(start); t != "" {
			r.Kind = t
		}
	}
	life, err := decodeLifetime(start)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Kind, err)
	}
	r.Life = life

	err = eachChild(d, func(child xml.StartElement) error {
		switch child.Name.Local {
		case "Extensions":
			ext, err := decodeExtensions(d)
			if err != nil {
				return err
			}
			r.SourceIDs = ext.sourceIDs
			return nil
		case "KeyDescriptor":
			kd, err := decodeKey(d, child)
			if err != nil {
				return err
			}
			r.Keys = append(r.Keys, kd)
			return nil
		}

		if loc := attr(child, "Location"); loc != "" {
			ep := Endpoint{
				Kind:             child.Name.Local,
				Binding:          attr(child, "Binding"),
				Location:         loc,
				ResponseLocation: attr(child, "ResponseLocation"),
				IsDefault:        attr(child, "isDefault") == "true",
			}
			if idx := attr(child, "index"); idx != "" {
				n, err := strconv.Atoi(idx)
				if err != nil {
					return fmt.Errorf("%s index %q: %w", child.Name.Local, idx, err)
				}
				ep.Index = n
			}
			r.Endpoints = append(r.Endpoints, ep)
		}
		return d.Skip()
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

type extensions struct {
	attributes []Attribute
	sourceIDs  []string
}

func decodeExtensions(d *xml.Decoder) (extensions, error) {
	var ext extensions
	err := eachChild(d, func(child xml.StartElement) error {
		switch child.Name.Local {
		case "EntityAttributes":
			return eachChild(d, func(a xml.StartElement) error {
				if a.Name.Local != "Attribute" {
					return d.Skip()
				}
				attribute, err := decodeAttribute(d, a)
				if err != nil {
					return err
				}
				ext.attributes = append(ext.attributes, attribute)
				return nil
			})
		case "SourceID":
			var v string
			if err := d.DecodeElement(&v, &child); err != nil {
				return err
			}
			ext.sourceIDs = append(ext.sourceIDs, strings.ToLower(strings.TrimSpace(v)))
			return nil
		default:
			return d.Skip()
		}
	})
	return ext, err
}

func decodeAttribute(d *xml.Decoder, start xml.StartElement) (Attribute, error) {
	a := Attribute{
		Name:       attr(start, "Name"),
		NameFormat: attr(start, "NameFormat"),
	}
	err := eachChild(d, func(child xml.StartElement) error {
		if child.Name.Local != "AttributeValue" {
			return d.Skip()
		}
		var v string
		if err := d.DecodeElement(&v, &child); err != nil {
			return err
		}
		a.Values = append(a.Values, strings.TrimSpace(v))
		return nil
	})
	return a, err
}

func decodeKey(d *xml.Decoder, start xml.StartElement) (KeyDescriptor, error) {
	kd := KeyDescriptor{Use: attr(start, "use")}
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return kd, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "X509Certificate" {
				var v string
				if err := d.DecodeElement(&v, &t); err != nil {
					return kd, err
				}
				kd.Certificates = append(kd.Certificates, strings.Join(strings.Fields(v), ""))
				continue
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return kd, nil
}

func decodeRaw(d *xml.Decoder, start xml.StartElement) ([]byte, error) {
	var raw struct {
		Inner []byte `xml:",innerxml"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return nil, err
	}
	return raw.Inner, nil
}

// eachChild calls fn for every direct child element of the element whose
// start tag was just consumed. fn must consume the child fully.
func eachChild(d *xml.Decoder, fn func(xml.StartElement) error) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := fn(t); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodeLifetime(start xml.StartElement) (Lifetime, error) {
	var life Lifetime
	if v := attr(start, "validUntil"); v != "" {
		t, err := parseDateTime(v)
		if err != nil {
			return life, fmt.Errorf("validUntil: %w", err)
		}
		life.ValidUntil = t
	}
	if v := attr(start, "cacheDuration"); v != "" {
		dur, err := ParseDuration(v)
		if err != nil {
			return life, fmt.Errorf("cacheDuration: %w", err)
		}
		life.CacheDuration = &dur
	}
	return life, nil
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range dateTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

func attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

func xsiType(start xml.StartElement) string {
	for _, a := range start.Attr {
		if a.Name.Local == "type" && a.Name.Space == NSXSI {
			v := a.Value
			if i := strings.LastIndexByte(v, ':'); i >= 0 {
				v = v[i+1:]
			}
			return v
		}
	}
	return ""
}
