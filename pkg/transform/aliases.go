package transform

// Aliases is an ordered list of names that identify the same class or
// method across obfuscated and deobfuscated builds of the host program.
type Aliases []string

// Match reports whether name equals one of the aliases and returns the
// first alias, in declaration order, that it equals. Comparison is exact.
func (a Aliases) Match(name string) (string, bool) {
	for _, alias := range a {
		if alias == name {
			return alias, true
		}
	}
	return "", false
}
