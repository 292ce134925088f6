// Package matcher implements the path matcher used by the router: a prefix tree
// over URL path segments with typed parameter capture.
package matcher

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ParamType is the type tag of a parametric path segment.
type ParamType string

const (
	// TypeString matches a single non-empty segment. It is the default type.
	TypeString ParamType = "str"
	// TypeInt matches a run of decimal digits and converts it to an int.
	TypeInt ParamType = "int"
	// TypePath greedily captures the remainder of the path, slashes included.
	// It may only appear as the final segment of a template.
	TypePath ParamType = "path"
	// TypeUUID matches a canonical UUID and converts it to a uuid.UUID.
	TypeUUID ParamType = "uuid"
	// TypeSlug matches lowercase words joined by single dashes.
	TypeSlug ParamType = "slug"
)

// Registration errors.
var (
	ErrUnknownParamType = errors.New("matcher: unknown parameter type")
	ErrAmbiguousRoute   = errors.New("matcher: ambiguous parametric route")
	ErrPathNotLast      = errors.New("matcher: path parameter must be the final segment")
	ErrInvalidTemplate  = errors.New("matcher: invalid path template")
	ErrDuplicateRoute   = errors.New("matcher: duplicate route")
)

// paramTypeAliases maps the accepted spellings of a type tag to its canonical form.
var paramTypeAliases = map[string]ParamType{
	"":        TypeString,
	"str":     TypeString,
	"string":  TypeString,
	"int":     TypeInt,
	"integer": TypeInt,
	"path":    TypePath,
	"uuid":    TypeUUID,
	"slug":    TypeSlug,
}

// paramSpec is the compiled matcher and converter for one type tag.
type paramSpec struct {
	pattern *regexp.Regexp
	convert func(string) (any, error)
}

func identity(s string) (any, error) { return s, nil }

var paramSpecs = map[ParamType]paramSpec{
	TypeString: {pattern: regexp.MustCompile(`^[^/]+$`), convert: identity},
	TypeInt: {pattern: regexp.MustCompile(`^\d+$`), convert: func(s string) (any, error) {
		return strconv.Atoi(s)
	}},
	TypePath: {pattern: regexp.MustCompile(`^.+$`), convert: identity},
	TypeUUID: {
		pattern: regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
		convert: func(s string) (any, error) { return uuid.Parse(s) },
	},
	TypeSlug: {pattern: regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`), convert: identity},
}

// placeholder matches a whole-segment parameter: {name} or {name:type}.
var placeholder = regexp.MustCompile(`^\{(\w+)(?::(\w+))?\}$`)

// Param describes a parametric segment.
type Param struct {
	Name string
	Type ParamType
	spec paramSpec
}

// Match reports whether raw satisfies the parameter's pattern and, if so,
// returns the converted value. A conversion failure is reported as no match.
func (p *Param) Match(raw string) (any, bool) {
	if !p.spec.pattern.MatchString(raw) {
		return nil, false
	}
	v, err := p.spec.convert(raw)
	if err != nil {
		return nil, false
	}
	return v, true
}

// sameAs reports whether two parametric segments can share a tree position.
func (p *Param) sameAs(o *Param) bool {
	return p.Name == o.Name && p.Type == o.Type
}

// Segment is either a literal path segment or a parametric one.
type Segment struct {
	Literal string
	Param   *Param
}

// IsParam reports whether the segment is parametric.
func (s Segment) IsParam() bool { return s.Param != nil }

// String renders the segment back in template form.
func (s Segment) String() string {
	if s.Param == nil {
		return s.Literal
	}
	if s.Param.Type == TypeString {
		return "{" + s.Param.Name + "}"
	}
	return "{" + s.Param.Name + ":" + string(s.Param.Type) + "}"
}

// SplitPath splits a path into its non-empty segments.
func SplitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// ParseTemplate parses a path template such as /users/{id:int}/files/{rest:path}.
func ParseTemplate(template string) ([]Segment, error) {
	raw := SplitPath(template)
	segments := make([]Segment, 0, len(raw))
	seen := make(map[string]bool)

	for i, part := range raw {
		m := placeholder.FindStringSubmatch(part)
		if m == nil {
			if strings.ContainsAny(part, "{}") {
				return nil, fmt.Errorf("%w: segment %q in %q", ErrInvalidTemplate, part, template)
			}
			segments = append(segments, Segment{Literal: part})
			continue
		}

		name, tag := m[1], m[2]
		typ, ok := paramTypeAliases[tag]
		if !ok {
			return nil, fmt.Errorf("%w: %q in %q", ErrUnknownParamType, tag, template)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: parameter %q repeated in %q", ErrInvalidTemplate, name, template)
		}
		seen[name] = true
		if typ == TypePath && i != len(raw)-1 {
			return nil, fmt.Errorf("%w: %q in %q", ErrPathNotLast, name, template)
		}

		segments = append(segments, Segment{Param: &Param{Name: name, Type: typ, spec: paramSpecs[typ]}})
	}

	return segments, nil
}
