package matcher

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// ErrNoMatch is returned by Lookup when no registered template matches the path.
var ErrNoMatch = errors.New("matcher: no route matches path")

// MethodMismatchError is returned by Lookup when the path matches at least one
// template but none of the matching routes accepts the requested method.
type MethodMismatchError struct {
	Method  string
	Path    string
	Allowed []string // Sorted union of the methods accepted by every matching route
}

// Error implements the error interface.
func (e *MethodMismatchError) Error() string {
	return fmt.Sprintf("matcher: method %s not allowed for %s (allowed: %s)",
		e.Method, e.Path, strings.Join(e.Allowed, ", "))
}

// Route is an immutable registration terminal in the tree.
type Route[H any] struct {
	template string
	segments []Segment
	methods  []string
	handler  H
	name     string
}

// Template returns the path template the route was registered with.
func (r *Route[H]) Template() string { return r.template }

// Segments returns a copy of the parsed template segments.
func (r *Route[H]) Segments() []Segment { return slices.Clone(r.segments) }

// Methods returns a copy of the sorted, upper-cased method set.
func (r *Route[H]) Methods() []string { return slices.Clone(r.methods) }

// Handler returns the handler reference bound to the route.
func (r *Route[H]) Handler() H { return r.handler }

// Name returns the optional route name.
func (r *Route[H]) Name() string { return r.name }

// Allows reports whether the route accepts the given method.
func (r *Route[H]) Allows(method string) bool {
	_, found := slices.BinarySearch(r.methods, method)
	return found
}

// node is one arena slot. Children are referenced by index into Tree.nodes.
type node[H any] struct {
	literals map[string]int32 // literal segment -> child index
	param    int32            // parametric child index, -1 when absent
	spec     *Param           // parameter captured when entering this node
	routes   []*Route[H]      // routes terminal at this node
}

// Tree is a prefix tree over path segments. Nodes live in a single slice and
// reference each other by index.
//
// Routes must be inserted before the tree is used for lookups; concurrent
// Insert and Lookup calls are not supported. Once built, Lookup is safe for
// concurrent use.
type Tree[H any] struct {
	nodes  []node[H]
	routes []*Route[H]
}

// New creates an empty tree.
func New[H any]() *Tree[H] {
	t := &Tree[H]{}
	t.newNode(nil)
	return t
}

func (t *Tree[H]) newNode(spec *Param) int32 {
	t.nodes = append(t.nodes, node[H]{param: -1, spec: spec})
	return int32(len(t.nodes) - 1)
}

// NormalizeMethods upper-cases, de-duplicates and sorts a method list.
// An empty list defaults to GET.
func NormalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return []string{http.MethodGet}
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return []string{http.MethodGet}
	}
	return out
}

// Insert registers handler for the given methods under template.
func (t *Tree[H]) Insert(methods []string, template string, handler H, name string) (*Route[H], error) {
	segments, err := ParseTemplate(template)
	if err != nil {
		return nil, err
	}
	methods = NormalizeMethods(methods)

	cur := int32(0)
	for _, seg := range segments {
		if seg.IsParam() {
			child := t.nodes[cur].param
			if child < 0 {
				child = t.newNode(seg.Param)
				t.nodes[cur].param = child
			} else if existing := t.nodes[child].spec; !existing.sameAs(seg.Param) {
				return nil, fmt.Errorf("%w: %s conflicts with %s in %q",
					ErrAmbiguousRoute, seg, Segment{Param: existing}, template)
			}
			cur = child
			continue
		}

		child, ok := t.nodes[cur].literals[seg.Literal]
		if !ok {
			child = t.newNode(nil)
			if t.nodes[cur].literals == nil {
				t.nodes[cur].literals = make(map[string]int32)
			}
			t.nodes[cur].literals[seg.Literal] = child
		}
		cur = child
	}

	for _, existing := range t.nodes[cur].routes {
		for _, m := range methods {
			if existing.Allows(m) {
				return nil, fmt.Errorf("%w: %s %s already registered by %q",
					ErrDuplicateRoute, m, template, existing.template)
			}
		}
	}

	route := &Route[H]{
		template: template,
		segments: segments,
		methods:  methods,
		handler:  handler,
		name:     name,
	}
	t.nodes[cur].routes = append(t.nodes[cur].routes, route)
	t.routes = append(t.routes, route)
	return route, nil
}

// Routes returns every registered route in insertion order.
func (t *Tree[H]) Routes() []*Route[H] {
	return slices.Clone(t.routes)
}

// Len returns the number of registered routes.
func (t *Tree[H]) Len() int { return len(t.routes) }

// frame is one pending branch of the depth-first search.
type frame struct {
	node  int32
	idx   int  // index of the next path segment to consume
	depth int  // number of bindings inherited from the parent
	value any  // converted value captured when entering node
	bound bool // whether value should be appended on entry
}

// Lookup finds the route serving method at path.
//
// The search is depth-first over an explicit stack. At every node the
// parametric child is pushed before the literal child so that literal
// segments are always tried first. A path that matches a route for another
// method does not stop the search; MethodMismatchError is only returned when
// no branch yields a route accepting method.
func (t *Tree[H]) Lookup(path, method string) (*Route[H], Params, error) {
	segments := SplitPath(path)

	stack := make([]frame, 1, 8)
	stack[0] = frame{node: 0}

	var params Params
	var allowed []string

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.nodes[f.node]
		params = params[:f.depth]
		if f.bound {
			params = append(params, Binding{Key: n.spec.Name, Value: f.value})
		}

		if f.idx == len(segments) {
			for _, r := range n.routes {
				if r.Allows(method) {
					return r, params, nil
				}
				allowed = append(allowed, r.methods...)
			}
			continue
		}

		depth := len(params)
		seg := segments[f.idx]

		if n.param >= 0 {
			spec := t.nodes[n.param].spec
			if spec.Type == TypePath {
				if v, ok := spec.Match(strings.Join(segments[f.idx:], "/")); ok {
					stack = append(stack, frame{node: n.param, idx: len(segments), depth: depth, value: v, bound: true})
				}
			} else if v, ok := spec.Match(seg); ok {
				stack = append(stack, frame{node: n.param, idx: f.idx + 1, depth: depth, value: v, bound: true})
			}
		}

		if child, ok := n.literals[seg]; ok {
			stack = append(stack, frame{node: child, idx: f.idx + 1, depth: depth})
		}
	}

	if len(allowed) > 0 {
		slices.Sort(allowed)
		return nil, nil, &MethodMismatchError{Method: method, Path: path, Allowed: slices.Compact(allowed)}
	}
	return nil, nil, ErrNoMatch
}
