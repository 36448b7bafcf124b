package capability

import "strings"

// Resolver expands template placeholders in configuration values before
// they are sent over the wire. The template engine itself lives outside
// this package; connections only ever see this interface.
type Resolver interface {
	Resolve(template string, vars map[string]string) (string, error)
}

// VarResolver is a minimal Resolver that expands ${name} references from
// the supplied variable map. Unknown references are left untouched so a
// half-filled template still round-trips visibly.
type VarResolver struct{}

// NewVarResolver returns a VarResolver.
func NewVarResolver() *VarResolver { return &VarResolver{} }

// Resolve implements Resolver.
func (*VarResolver) Resolve(template string, vars map[string]string) (string, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}

	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end += start

		b.WriteString(rest[:start])
		name := rest[start+2 : end]
		if value, ok := vars[name]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
}

// resolveAll maps a value through the resolver, treating a nil resolver as
// the identity.
func resolveAll(r Resolver, value string, vars map[string]string) (string, error) {
	if r == nil {
		return value, nil
	}
	return r.Resolve(value, vars)
}
