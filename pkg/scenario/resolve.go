package scenario

import (
	"regexp"
	"strings"
)

var resolveStringRegexp = regexp.MustCompile(`\$\{([^}]+)\}|\$([a-zA-Z_][a-zA-Z0-9_-]*)`)

// Resolver handles alias and prefix list resolution in scenario files.
type Resolver struct {
	aliases     map[string]string
	prefixLists map[string][]string
}

// NewResolver creates a new resolver with the given alias and prefix list maps
func NewResolver(aliases map[string]string, prefixLists map[string][]string) *Resolver {
	if aliases == nil {
		aliases = make(map[string]string)
	}
	if prefixLists == nil {
		prefixLists = make(map[string][]string)
	}
	return &Resolver{
		aliases:     aliases,
		prefixLists: prefixLists,
	}
}

// ResolveString resolves aliases in a string.
// Aliases are referenced as ${alias_name} or $alias_name; unknown ones are
// left in place.
func (r *Resolver) ResolveString(s string) string {
	return resolveStringRegexp.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if value, ok := r.aliases[name]; ok {
			return value
		}
		return match
	})
}

// ResolvePrefixList returns the contents of a prefix list.
func (r *Resolver) ResolvePrefixList(name string) ([]string, bool) {
	list, ok := r.prefixLists[name]
	return list, ok
}

// Expand resolves s and, if it names a prefix list ("@name"), returns the
// list. Unknown lists are returned as-is so validation can report them.
func (r *Resolver) Expand(s string) []string {
	s = r.ResolveString(s)
	if !strings.HasPrefix(s, "@") {
		return []string{s}
	}
	list, ok := r.prefixLists[s[1:]]
	if !ok {
		return []string{s}
	}
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = r.ResolveString(p)
	}
	return out
}

// ExpandPrefixLists expands every entry of entries with Expand.
func (r *Resolver) ExpandPrefixLists(entries []string) []string {
	var result []string
	for _, entry := range entries {
		result = append(result, r.Expand(entry)...)
	}
	return result
}

// SetAlias sets an alias value
func (r *Resolver) SetAlias(name, value string) {
	r.aliases[name] = value
}
