package matcher

import "fmt"

// Binding is a single captured path parameter.
type Binding struct {
	Key   string
	Value any
}

// Params is the ordered list of parameters captured by a lookup.
type Params []Binding

// ByName returns the value of the first parameter whose key matches name.
// If no matching parameter is found, nil is returned.
func (ps Params) ByName(name string) any {
	for _, p := range ps {
		if p.Key == name {
			return p.Value
		}
	}
	return nil
}

// Has reports whether a parameter with the given name was captured.
func (ps Params) Has(name string) bool {
	for _, p := range ps {
		if p.Key == name {
			return true
		}
	}
	return false
}

// String returns the parameter formatted as text, or "" when absent.
func (ps Params) String(name string) string {
	v := ps.ByName(name)
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns an integer parameter. The second result is false when the
// parameter is absent or was not declared with the int type.
func (ps Params) Int(name string) (int, bool) {
	v, ok := ps.ByName(name).(int)
	return v, ok
}

// Map copies the parameters into a map.
func (ps Params) Map() map[string]any {
	m := make(map[string]any, len(ps))
	for _, p := range ps {
		m[p.Key] = p.Value
	}
	return m
}
