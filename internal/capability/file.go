package capability

import "strings"

// FileExclusion carves a sub-path and specific operations out of a
// FileCapability's granted Paths without touching sibling paths. It is
// how PartialRevoke narrows a single-path grant once Split cannot
// usefully divide it any further.
type FileExclusion struct {
	PathPrefix string
	Read       bool
	Write      bool
}

// FileCapability authorizes reads and/or writes under a set of path
// prefixes. A prefix of "/" authorizes the whole filesystem; callers
// that want to hand out narrower authority should Constrain a broad
// grant down rather than rely on the Policy Engine alone — the Kernel
// and the Policy Engine are independent layers of defense (spec.md
// §4.2 "the policy engine narrows further, it never widens what the
// kernel already denied").
type FileCapability struct {
	Paths    []string
	Excluded []FileExclusion
	Read     bool
	Write    bool
}

func (c FileCapability) Kind() Kind { return KindFile }

// grantedBy returns the prefix in c.Paths that covers path, if any.
func (c FileCapability) grantedBy(path string) (string, bool) {
	for _, p := range c.Paths {
		if strings.HasPrefix(path, p) {
			return p, true
		}
	}
	return "", false
}

func (c FileCapability) Permits(req Request) Decision {
	if req.Kind != KindFile {
		return Deny("capability kind mismatch")
	}
	if _, ok := c.grantedBy(req.FilePath); !ok {
		return Deny("path outside granted prefixes")
	}
	if req.FileRead && !c.Read {
		return Deny("read not granted")
	}
	if req.FileWrite && !c.Write {
		return Deny("write not granted")
	}
	for _, ex := range c.Excluded {
		if !strings.HasPrefix(req.FilePath, ex.PathPrefix) {
			continue
		}
		if req.FileRead && ex.Read {
			return Deny("read excluded by partial revocation of " + ex.PathPrefix)
		}
		if req.FileWrite && ex.Write {
			return Deny("write excluded by partial revocation of " + ex.PathPrefix)
		}
	}
	return Allow()
}

func (c FileCapability) Constrain(con Constraint) (Capability, error) {
	next := c
	narrowed := false
	if con.FilePathPrefix != "" {
		if _, ok := c.grantedBy(con.FilePathPrefix); !ok {
			return nil, constraintErr(KindFile, "FileCapability.Constrain")
		}
		next.Paths = []string{con.FilePathPrefix}
		narrowed = true
	}
	if con.DropFileRead && c.Read {
		next.Read = false
		narrowed = true
	}
	if con.DropFileWrite && c.Write {
		next.Write = false
		narrowed = true
	}
	if con.ExcludeFilePath != "" {
		next.Excluded = append(append([]FileExclusion{}, c.Excluded...), FileExclusion{
			PathPrefix: con.ExcludeFilePath,
			Read:       con.ExcludeFileRead,
			Write:      con.ExcludeFileWrite,
		})
		narrowed = true
	}
	if !narrowed {
		return nil, constraintErr(KindFile, "FileCapability.Constrain")
	}
	return next, nil
}

// Split divides a multi-path grant into one capability per path, or —
// for a single-path read+write grant — into its read-only and
// write-only halves. A capability that is already single-path and
// single-mode cannot be split further.
func (c FileCapability) Split() []Capability {
	if len(c.Paths) > 1 {
		parts := make([]Capability, len(c.Paths))
		for i, p := range c.Paths {
			parts[i] = FileCapability{Paths: []string{p}, Excluded: c.Excluded, Read: c.Read, Write: c.Write}
		}
		return parts
	}
	if c.Read && c.Write {
		return []Capability{
			FileCapability{Paths: c.Paths, Excluded: c.Excluded, Read: true},
			FileCapability{Paths: c.Paths, Excluded: c.Excluded, Write: true},
		}
	}
	return []Capability{c}
}

func (c FileCapability) CanJoinWith(other Capability) bool {
	o, ok := other.(FileCapability)
	if !ok {
		return false
	}
	if !sameExclusions(c.Excluded, o.Excluded) {
		return false
	}
	if samePathSet(c.Paths, o.Paths) {
		return true
	}
	return c.Read == o.Read && c.Write == o.Write
}

func (c FileCapability) Join(other Capability) (Capability, error) {
	if !c.CanJoinWith(other) {
		return nil, compositionErr("FileCapability.Join", "mismatched paths, operations, or exclusions")
	}
	o := other.(FileCapability)
	if samePathSet(c.Paths, o.Paths) {
		return FileCapability{
			Paths:    c.Paths,
			Excluded: c.Excluded,
			Read:     c.Read || o.Read,
			Write:    c.Write || o.Write,
		}, nil
	}
	return FileCapability{
		Paths:    unionPaths(c.Paths, o.Paths),
		Excluded: c.Excluded,
		Read:     c.Read,
		Write:    c.Write,
	}, nil
}

func samePathSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, p := range a {
		counts[p]++
	}
	for _, p := range b {
		counts[p]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

func unionPaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func sameExclusions(a, b []FileExclusion) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
