package names

import "path/filepath"

// HostPath is a path on the host filesystem. It is deliberately not
// interchangeable with EnvPath: a runner may bind a HostPath onto an
// EnvPath, but code never mixes the two by accident.
type HostPath struct {
	p string
}

// NewHostPath wraps a raw host path.
func NewHostPath(p string) HostPath {
	return HostPath{p: filepath.Clean(p)}
}

// Join appends path components, keeping the host tag.
func (h HostPath) Join(elem ...string) HostPath {
	return HostPath{p: filepath.Join(append([]string{h.p}, elem...)...)}
}

// String returns the raw host path. Only use this at process boundaries
// (argv construction, os calls).
func (h HostPath) String() string { return h.p }

// IsZero reports whether h is the zero value.
func (h HostPath) IsZero() bool { return h.p == "" }

// EnvPath is a path as seen from inside a sandbox environment.
type EnvPath struct {
	p string
}

// NewEnvPath wraps a raw in-sandbox path.
func NewEnvPath(p string) EnvPath {
	return EnvPath{p: filepath.Clean(p)}
}

// Join appends path components, keeping the sandbox tag.
func (e EnvPath) Join(elem ...string) EnvPath {
	return EnvPath{p: filepath.Join(append([]string{e.p}, elem...)...)}
}

// String returns the raw in-sandbox path for argv construction.
func (e EnvPath) String() string { return e.p }

// IsZero reports whether e is the zero value.
func (e EnvPath) IsZero() bool { return e.p == "" }
