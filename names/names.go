// Package names defines the validated identifier types used throughout
// cubicle: environment names, package names, package namespaces, and the
// host/sandbox path newtypes.
//
// All identifiers double as single path components, so construction
// rejects path separators, "." and "..", whitespace, and control
// characters. Parsing and display round-trip:
//
//	full, _ := names.ParseFullPackageName("pyenv.numpy")
//	full.String() // "pyenv.numpy"
package names

import (
	"fmt"
	"strings"
	"unicode"
)

// EnvironmentName identifies one sandbox environment. It is used both as
// an identifier and as a single path component under the storage roots.
type EnvironmentName struct {
	s string
}

// NewEnvironmentName validates s as an environment name.
//
// Accepted: ASCII alphanumerics, '-', '_', and non-ASCII letters.
// Rejected: empty strings, whitespace, control characters, path
// separators, and the special components "." and "..".
func NewEnvironmentName(s string) (EnvironmentName, error) {
	s = strings.TrimSpace(s)
	if err := checkNameRunes("environment name", s, false); err != nil {
		return EnvironmentName{}, err
	}
	if s == "." || s == ".." {
		return EnvironmentName{}, fmt.Errorf("environment name cannot be %q", s)
	}
	return EnvironmentName{s: s}, nil
}

// ForBuilderPackage returns the name of the builder environment for the
// given package, "package-<name>".
func ForBuilderPackage(name FullPackageName) EnvironmentName {
	return EnvironmentName{s: "package-" + name.String()}
}

// ForTestPackage returns the name of the throwaway test environment for
// the given package, "test-package-<name>".
func ForTestPackage(name FullPackageName) EnvironmentName {
	return EnvironmentName{s: "test-" + ForBuilderPackage(name).String()}
}

func (n EnvironmentName) String() string { return n.s }

// IsZero reports whether n is the zero value rather than a validated name.
func (n EnvironmentName) IsZero() bool { return n.s == "" }

// PackageName identifies a package within one namespace. Unlike
// EnvironmentName it additionally permits '.', which carries no special
// meaning inside a PackageName; only the string form of a
// FullPackageName treats '.' as a namespace separator.
type PackageName struct {
	s string
}

// NewPackageName validates s as a package name.
func NewPackageName(s string) (PackageName, error) {
	s = strings.TrimSpace(s)
	if err := checkNameRunes("package name", s, true); err != nil {
		return PackageName{}, err
	}
	if s == "." || s == ".." {
		return PackageName{}, fmt.Errorf("package name cannot be %q", s)
	}
	return PackageName{s: s}, nil
}

func (n PackageName) String() string { return n.s }

// IsZero reports whether n is the zero value rather than a validated name.
func (n PackageName) IsZero() bool { return n.s == "" }

func checkNameRunes(what, s string, allowDot bool) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	for _, c := range s {
		switch {
		case c < 128:
			ok := c == '-' || c == '_' || (allowDot && c == '.') ||
				('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
			if !ok {
				return fmt.Errorf("%s cannot contain special characters", what)
			}
		case unicode.IsControl(c) || unicode.IsSpace(c):
			return fmt.Errorf("%s cannot contain whitespace or control characters", what)
		case !unicode.IsLetter(c):
			return fmt.Errorf("%s cannot contain special characters", what)
		}
	}
	return nil
}

type namespaceKind uint8

const (
	nsRoot namespaceKind = iota
	nsDebian
	nsManaged
)

// PackageNamespace partitions packages into the root namespace of
// ordinary user packages, the OS-level Debian namespace, and one managed
// namespace per package-manager package.
//
// The zero value is the root namespace.
type PackageNamespace struct {
	kind    namespaceKind
	manager PackageName // set for managed namespaces only
}

// NamespaceRoot is the namespace of ordinary user-defined packages.
var NamespaceRoot = PackageNamespace{kind: nsRoot}

// NamespaceDebian is the namespace of OS-level packages installed by the
// base image's package manager.
var NamespaceDebian = PackageNamespace{kind: nsDebian}

// ManagedNamespace returns the namespace owned by the package manager
// with the given name.
func ManagedNamespace(manager PackageName) PackageNamespace {
	return PackageNamespace{kind: nsManaged, manager: manager}
}

// ParsePackageNamespace parses the string form of a namespace. "cubicle"
// maps to the root namespace, "debian" to the Debian namespace, and any
// other valid name to a managed namespace.
func ParsePackageNamespace(s string) (PackageNamespace, error) {
	s = strings.TrimSpace(s)
	if err := checkNameRunes("package namespace", s, false); err != nil {
		return PackageNamespace{}, err
	}
	switch s {
	case "cubicle":
		return NamespaceRoot, nil
	case "debian":
		return NamespaceDebian, nil
	default:
		name, err := NewPackageName(s)
		if err != nil {
			return PackageNamespace{}, err
		}
		return ManagedNamespace(name), nil
	}
}

// IsRoot reports whether ns is the root namespace.
func (ns PackageNamespace) IsRoot() bool { return ns.kind == nsRoot }

// IsDebian reports whether ns is the Debian namespace.
func (ns PackageNamespace) IsDebian() bool { return ns.kind == nsDebian }

// Manager returns the owning package-manager name and true for managed
// namespaces, and the zero name and false otherwise.
func (ns PackageNamespace) Manager() (PackageName, bool) {
	return ns.manager, ns.kind == nsManaged
}

// String returns the namespace's display form. Note that the root
// namespace renders as "cubicle", which only appears when a namespace is
// shown on its own; FullPackageName renders root packages bare.
func (ns PackageNamespace) String() string {
	switch ns.kind {
	case nsDebian:
		return "debian"
	case nsManaged:
		return ns.manager.String()
	default:
		return "cubicle"
	}
}

// FullPackageName is a package name qualified by its namespace.
type FullPackageName struct {
	Namespace PackageNamespace
	Name      PackageName
}

// RootPackage returns the full name of a root-namespace package.
func RootPackage(name PackageName) FullPackageName {
	return FullPackageName{Namespace: NamespaceRoot, Name: name}
}

// ParseFullPackageName parses "ns.name" or a bare "name" (which lands in
// the root namespace).
func ParseFullPackageName(s string) (FullPackageName, error) {
	s = strings.TrimSpace(s)
	ns, name, found := strings.Cut(s, ".")
	if !found {
		pkg, err := NewPackageName(s)
		if err != nil {
			return FullPackageName{}, err
		}
		return RootPackage(pkg), nil
	}
	namespace, err := ParsePackageNamespace(ns)
	if err != nil {
		return FullPackageName{}, err
	}
	pkg, err := NewPackageName(name)
	if err != nil {
		return FullPackageName{}, err
	}
	return FullPackageName{Namespace: namespace, Name: pkg}, nil
}

// String returns the display form: bare names for root packages,
// "ns.name" for everything else. The display form is also the cache
// filename stem and defines the ordering of full package names.
func (f FullPackageName) String() string {
	if f.Namespace.IsRoot() {
		return f.Name.String()
	}
	return f.Namespace.String() + "." + f.Name.String()
}

// Compare orders full package names by their display strings.
func (f FullPackageName) Compare(other FullPackageName) int {
	return strings.Compare(f.String(), other.String())
}
