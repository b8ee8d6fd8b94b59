package distro

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/lightbuildserver/lbs/src/deps"
)

// LoadPackages reads the build dependencies of every package in a packaging repository.
// Each subdirectory holding a spec file (for rpm distributions) or debian/control (for
// deb distributions) is a package. Packages are returned sorted by name.
func LoadPackages(srcDir, distro string) ([]deps.Package, error) {
	rpmBased, err := isRPM(distro)
	if err != nil {
		return nil, err
	}
	dirents, err := godirwalk.ReadDirents(srcDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read packaging instructions: %w", err)
	}
	sort.Sort(dirents)
	var pkgs []deps.Package
	for _, de := range dirents {
		name := de.Name()
		if !de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		dir := filepath.Join(srcDir, name)
		var requires, provides []string
		if rpmBased {
			f, err := os.Open(filepath.Join(dir, SpecFilename(dir, name)))
			if os.IsNotExist(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			requires, provides, err = ParseSpec(f, name)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to parse spec file of %s: %w", name, err)
			}
		} else {
			f, err := os.Open(filepath.Join(dir, "debian", "control"))
			if os.IsNotExist(err) {
				continue
			} else if err != nil {
				return nil, err
			}
			requires, provides, err = ParseControl(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to parse debian/control of %s: %w", name, err)
			}
		}
		pkgs = append(pkgs, deps.Package{Name: name, Requires: requires, Provides: provides})
	}
	return pkgs, nil
}

// isRPM returns true if the distribution uses rpm packages, false if it uses deb packages.
func isRPM(distro string) (bool, error) {
	switch distro {
	case "centos", "rhel", "almalinux", "rockylinux", "fedora":
		return true, nil
	case "debian", "ubuntu":
		return false, nil
	}
	return false, fmt.Errorf("no build strategy for distribution %s", distro)
}

// ParseSpec extracts the build requirements of an rpm spec file, and the names of
// the packages it produces. Version constraints are dropped.
func ParseSpec(r io.Reader, pkg string) (requires, provides []string, err error) {
	name := pkg
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "buildrequires:"):
			requires = append(requires, dropVersions(strings.Fields(strings.ReplaceAll(line[len("buildrequires:"):], ",", " ")))...)
		case strings.HasPrefix(lower, "name:"):
			name = strings.TrimSpace(line[len("name:"):])
			provides = append(provides, name)
		case strings.HasPrefix(lower, "%package -n"):
			provides = append(provides, firstField(line[len("%package -n"):]))
		case strings.HasPrefix(lower, "%package"):
			provides = append(provides, name+"-"+firstField(line[len("%package"):]))
		}
	}
	return unique(requires), unique(provides), scanner.Err()
}

// dropVersions removes version constraints such as ">= 3.0" or ">=3.0" from a list of words,
// whether or not they are separated from the package name.
func dropVersions(words []string) []string {
	ret := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		idx := strings.IndexAny(words[i], "<>=")
		if idx < 0 {
			ret = append(ret, words[i])
			continue
		} else if idx > 0 {
			ret = append(ret, words[i][:idx])
		}
		if strings.TrimLeft(words[i][idx:], "<>=") == "" {
			i++ // the version is the next word
		}
	}
	return ret
}

// ParseControl extracts the build dependencies of a debian/control file, and the names of
// the binary packages it produces. Versions, architecture qualifiers and all but the first
// of any alternatives are dropped.
func ParseControl(r io.Reader) (requires, provides []string, err error) {
	fields, err := controlFields(r)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range fields {
		switch strings.ToLower(f.key) {
		case "build-depends", "build-depends-indep", "build-depends-arch":
			for _, dep := range strings.Split(f.value, ",") {
				if dep = cleanDependency(dep); dep != "" {
					requires = append(requires, dep)
				}
			}
		case "package":
			provides = append(provides, f.value)
		}
	}
	return unique(requires), unique(provides), nil
}

type controlField struct {
	key, value string
}

// controlFields reads all fields from all stanzas of a control file, joining continuation lines.
func controlFields(r io.Reader) ([]controlField, error) {
	var fields []controlField
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		} else if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1].value += " " + strings.TrimSpace(line)
		} else if key, value, found := strings.Cut(line, ":"); found {
			fields = append(fields, controlField{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
		}
	}
	return fields, scanner.Err()
}

// cleanDependency reduces a single debian dependency to a package name.
func cleanDependency(dep string) string {
	dep, _, _ = strings.Cut(dep, "|")
	for _, delims := range []string{"()", "[]", "<>"} {
		for {
			start := strings.IndexByte(dep, delims[0])
			if start < 0 {
				break
			}
			end := strings.IndexByte(dep[start:], delims[1])
			if end < 0 {
				dep = dep[:start]
				break
			}
			dep = dep[:start] + dep[start+end+1:]
		}
	}
	dep = strings.TrimSpace(dep)
	dep, _, _ = strings.Cut(dep, ":")
	return dep
}

func firstField(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func unique(s []string) []string {
	seen := make(map[string]bool, len(s))
	ret := s[:0]
	for _, x := range s {
		if x != "" && !seen[x] {
			seen[x] = true
			ret = append(ret, x)
		}
	}
	return ret
}
