package probe

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
)

// MinCompatibleRuntime is the lowest OpenMP/OMPT runtime version sabo
// is validated against; runtimes predating the sync-region-enter
// callback semantics this package relies on are rejected.
const MinCompatibleRuntime = ">=5.0.0"

// CheckRuntimeVersion parses runtimeVersion (as reported by the host
// OpenMP implementation) and checks it against constraint, following
// the same parse-then-match pattern the teacher's dependency
// resolver uses for package version ranges.
func CheckRuntimeVersion(runtimeVersion, constraint string) error {
	v, err := semver.NewVersion(runtimeVersion)
	if err != nil {
		return fmt.Errorf("probe: invalid runtime version %q: %w", runtimeVersion, err)
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("probe: invalid compatibility constraint %q: %w", constraint, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("probe: runtime version %s does not satisfy %s", v, constraint)
	}

	return nil
}
