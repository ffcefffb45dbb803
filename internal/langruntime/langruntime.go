// Package langruntime enumerates the guest runtimes voidrun can launch and
// picks an image and launch command for each of the three JavaScript-family
// runtimes this service supports.
package langruntime

import (
	"strings"

	"github.com/vaderyang/voidrun/internal/apierr"
)

// Runtime identifies one of the closed set of supported guest languages.
type Runtime int

const (
	Unknown Runtime = iota
	Node
	Bun
	TypeScript
)

// Descriptor is the static, table-driven information about a Runtime.
type Descriptor struct {
	Runtime Runtime
	Name    string
	// BaseImage is the default container image tag for the container
	// backend.
	BaseImage string
	// FileExt is the source-file extension the lifecycle manager uses
	// when materialising the user's main source as a file.
	FileExt string
	// HotReload reports whether the runtime can pick up file changes
	// without an explicit process restart.
	HotReload bool
	// DefaultCommand returns the launch argv given the main source's base
	// file name (without extension).
	DefaultCommand func(mainBase string) []string
}

var descriptors = map[Runtime]Descriptor{
	Node: {
		Runtime:   Node,
		Name:      "node",
		BaseImage: "node:20-slim",
		FileExt:   ".js",
		HotReload: false,
		DefaultCommand: func(mainBase string) []string {
			return []string{"node", mainBase + ".js"}
		},
	},
	Bun: {
		Runtime:   Bun,
		Name:      "bun",
		BaseImage: "oven/bun:latest",
		FileExt:   ".ts",
		HotReload: true,
		DefaultCommand: func(mainBase string) []string {
			return []string{"bun", "run", mainBase + ".ts"}
		},
	},
	TypeScript: {
		Runtime:   TypeScript,
		Name:      "typescript",
		BaseImage: "oven/bun:latest",
		FileExt:   ".ts",
		HotReload: true,
		DefaultCommand: func(mainBase string) []string {
			return []string{"bun", mainBase + ".ts"}
		},
	},
}

// Parse maps a case-insensitive runtime tag to a Runtime, failing with a
// *apierr.Error of kind Validation for anything outside the closed set.
func Parse(tag string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "node":
		return Node, nil
	case "bun":
		return Bun, nil
	case "typescript", "ts":
		return TypeScript, nil
	default:
		return Unknown, apierr.Validationf("unknown runtime %q", tag)
	}
}

// Describe returns the Descriptor for r. Panics on Unknown since callers are
// expected to have validated via Parse first.
func Describe(r Runtime) Descriptor {
	d, ok := descriptors[r]
	if !ok {
		panic("langruntime: Describe called with Unknown runtime")
	}
	return d
}

func (r Runtime) String() string {
	if d, ok := descriptors[r]; ok {
		return d.Name
	}
	return "unknown"
}

// InstallCommand returns the dependency-install argv for r, per the
// package.json-triggered install step: bun uses "bun install", node and
// typescript use "npm install" unless the image itself is bun-based, in
// which case "bun install" is still correct since bun ships an npm-compatible
// installer.
func InstallCommand(r Runtime) []string {
	switch r {
	case Bun, TypeScript:
		return []string{"bun", "install"}
	default:
		return []string{"npm", "install"}
	}
}
