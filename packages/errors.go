package packages

import (
	"fmt"
	"strings"

	"github.com/snev68/cubicle/names"
)

// MissingSpecError reports a dependency on a package with no known
// definition.
type MissingSpecError struct {
	Pkg names.FullPackageName

	// NeededBy names the depending package, when known.
	NeededBy *names.FullPackageName
}

func (e *MissingSpecError) Error() string {
	if e.NeededBy != nil {
		return fmt.Sprintf("could not find package definition for %s, needed by %s",
			e.Pkg, e.NeededBy)
	}
	return fmt.Sprintf("could not find package definition for %s", e.Pkg)
}

// NotPackageManagerError reports a managed-namespace dependency whose
// owning package does not declare package_manager = true.
type NotPackageManagerError struct {
	Manager names.PackageName
}

func (e *NotPackageManagerError) Error() string {
	return fmt.Sprintf("package %s is not a package manager", e.Manager)
}

// UnsatisfiableError reports that an update pass made no progress: the
// remaining packages' dependencies can never be completed.
type UnsatisfiableError struct {
	Remaining []names.FullPackageName
}

func (e *UnsatisfiableError) Error() string {
	remaining := make([]string, len(e.Remaining))
	for i, name := range e.Remaining {
		remaining[i] = name.String()
	}
	return "package dependencies are unsatisfiable for: " + strings.Join(remaining, ", ")
}
