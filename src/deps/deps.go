// Package deps orders the packages of a project so that every package is built
// after the packages it needs at build time.
package deps

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("deps")

// A Package is one buildable package of a project, with the names it needs to build
// and the names it produces.
type Package struct {
	Name string
	// Requires are the names of packages needed to build this one.
	// Names not provided by any package in the project are assumed to come from the distribution.
	Requires []string
	// Provides are the names of the (sub)packages this one produces. Its own name is always implied.
	Provides []string
}

// A CycleError is returned when the packages' requirements form a cycle.
type CycleError struct {
	// Packages are the packages that could not be ordered, sorted by name.
	Packages []string
}

func (err *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between packages: %s", strings.Join(err.Packages, ", "))
}

// Resolve returns the names of the given packages in an order they can be built in.
// Among packages that are ready at the same time, the one given first wins, so the
// result is deterministic for a given input.
// If the requirements form a cycle, a *CycleError is returned and no order at all.
func Resolve(pkgs []Package) ([]string, error) {
	providers := map[string]int{}
	for i, pkg := range pkgs {
		if _, present := providers[pkg.Name]; present {
			return nil, fmt.Errorf("package %s is defined twice", pkg.Name)
		}
		providers[pkg.Name] = i
	}
	for i, pkg := range pkgs {
		for _, name := range pkg.Provides {
			if j, present := providers[name]; present && j != i && pkgs[j].Name == name {
				// A package's own name always wins over another's sub-package of the same name.
				continue
			} else if present && j != i {
				log.Warning("%s is provided by both %s and %s, using %s", name, pkgs[j].Name, pkg.Name, pkgs[j].Name)
				continue
			}
			providers[name] = i
		}
	}
	// successors[i] are the packages that can only build after package i.
	successors := make([][]int, len(pkgs))
	indegree := make([]int, len(pkgs))
	for i, pkg := range pkgs {
		seen := map[int]bool{}
		for _, req := range pkg.Requires {
			j, present := providers[req]
			if !present || j == i || seen[j] {
				continue
			}
			seen[j] = true
			successors[j] = append(successors[j], i)
			indegree[i]++
		}
	}
	order := make([]string, 0, len(pkgs))
	done := make([]bool, len(pkgs))
	for len(order) < len(pkgs) {
		next := -1
		for i := range pkgs {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, newCycleError(pkgs, done)
		}
		done[next] = true
		order = append(order, pkgs[next].Name)
		for _, s := range successors[next] {
			indegree[s]--
		}
	}
	return order, nil
}

func newCycleError(pkgs []Package, done []bool) *CycleError {
	err := &CycleError{}
	for i, pkg := range pkgs {
		if !done[i] {
			err.Packages = append(err.Packages, pkg.Name)
		}
	}
	sort.Strings(err.Packages)
	return err
}
