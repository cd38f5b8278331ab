// Package version reports the client library's build identity, used for the
// transport user agent and diagnostics.
package version

import (
	"fmt"
	"runtime/debug"
	"sort"
)

// modulePath identifies this library inside the dependency list of an
// embedding binary.
const modulePath = "github.com/spineda1208/zenoo"

// Dependency is one module requirement of the running binary.
type Dependency struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// Info is the build identity of the running binary.
type Info struct {
	GoVersion     string       `json:"go_version"`
	MainModule    string       `json:"main_module"`
	MainVersion   string       `json:"main_version"`
	ClientVersion string       `json:"client_version"`
	Dependencies  []Dependency `json:"dependencies"`
}

// Build extracts the build identity embedded by the Go toolchain. Binaries
// built without module information report "unknown" throughout.
func Build() *Info {
	raw, ok := debug.ReadBuildInfo()
	if !ok {
		return &Info{
			GoVersion:     "unknown",
			MainModule:    "unknown",
			MainVersion:   "unknown",
			ClientVersion: "unknown",
			Dependencies:  []Dependency{},
		}
	}

	info := &Info{
		GoVersion:     raw.GoVersion,
		MainModule:    raw.Path,
		MainVersion:   raw.Main.Version,
		ClientVersion: clientVersionOf(raw),
		Dependencies:  make([]Dependency, 0, len(raw.Deps)),
	}
	for _, dep := range raw.Deps {
		d := Dependency{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = fmt.Sprintf("%s@%s", dep.Replace.Path, dep.Replace.Version)
		}
		info.Dependencies = append(info.Dependencies, d)
	}
	sort.Slice(info.Dependencies, func(i, j int) bool {
		return info.Dependencies[i].Path < info.Dependencies[j].Path
	})
	return info
}

// clientVersionOf resolves this library's version whether it is the main
// module (development builds) or a dependency of the embedding binary.
func clientVersionOf(raw *debug.BuildInfo) string {
	if raw.Path == modulePath {
		if raw.Main.Version != "" && raw.Main.Version != "(devel)" {
			return raw.Main.Version
		}
		return "dev"
	}
	for _, dep := range raw.Deps {
		if dep.Path == modulePath {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return "unknown"
}

// UserAgent renders the identity sent with every request.
func UserAgent() string {
	return fmt.Sprintf("zenoo-go/%s", Build().ClientVersion)
}
