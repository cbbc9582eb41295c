// Package buildcfg assembles the native extension build description for
// the library binding: include paths, libraries and compiler/linker flags
// chosen from the environment and the target platform.
package buildcfg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	EnvMonolithicDir = "PYOZW_BUILD_MONOLYTIC_OZW_DIR"
	EnvCFlags        = "PYOZW_BUILD_LIB_CFLAGS"
	EnvLinkFlags     = "PYOZW_BUILD_LIB_LINK_FLAGS"

	ExtensionName = "libopenzwave"
	VersionMacro  = "PYOZW_LIB_VERSION"
	PackageName   = "libopenzwave"
	LinkLibrary   = "openzwave"
)

// ErrNoLibrarySource means no way to locate the library was configured:
// no monolithic directory, no override flags and no pkg-config.
var ErrNoLibrarySource = errors.New("no custom " + EnvCFlags + " is defined and pkg-config is not available")

// DefaultSources are the binding translation units.
var DefaultSources = []string{
	"lib/LibZWaveException.cpp",
	"lib/Driver.cpp",
	"lib/Group.cpp",
	"lib/Log.cpp",
	"lib/Options.cpp",
	"lib/Manager.cpp",
	"lib/Notification.cpp",
	"lib/Node.cpp",
	"lib/Values.cpp",
	"lib/libopenzwave.cpp",
}

type Macro struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Extension is the build description of one native module.
type Extension struct {
	Name             string   `json:"name" yaml:"name"`
	DefineMacros     []Macro  `json:"define_macros" yaml:"define_macros"`
	Sources          []string `json:"sources" yaml:"sources"`
	IncludeDirs      []string `json:"include_dirs" yaml:"include_dirs"`
	Libraries        []string `json:"libraries" yaml:"libraries"`
	ExtraCompileArgs []string `json:"extra_compile_args" yaml:"extra_compile_args"`
	ExtraLinkArgs    []string `json:"extra_link_args" yaml:"extra_link_args"`
	ExtraObjects     []string `json:"extra_objects" yaml:"extra_objects"`
	Language         string   `json:"language" yaml:"language"`
}

// Resolver looks up compiler flags for an installed package.
type Resolver interface {
	CFlags(pkg string) (string, error)
}

// PkgConfig resolves flags with the pkg-config tool.
type PkgConfig struct {
	Path    string
	Timeout time.Duration
}

// LookupPkgConfig returns a PkgConfig resolver, or nil when the tool is
// not installed.
func LookupPkgConfig() Resolver {
	p, err := exec.LookPath("pkg-config")
	if err != nil {
		return nil
	}
	return &PkgConfig{Path: p, Timeout: 10 * time.Second}
}

func (p *PkgConfig) CFlags(pkg string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.Path, "--cflags", pkg).Output()
	if err != nil {
		return "", fmt.Errorf("pkg-config --cflags %s: %w", pkg, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Input holds everything the configurator decides on.
type Input struct {
	// OS is a target platform name; matching is by prefix, so both Go
	// (windows) and Python (win32) names work.
	OS             string
	Version        string
	MonolithicDir  string
	CFlags         string
	LinkFlags      string
	BindingInclude string
	Resolver       Resolver
}

// InputFromEnv reads the build environment variables through getenv.
func InputFromEnv(getenv func(string) string) Input {
	if getenv == nil {
		getenv = os.Getenv
	}
	in := Input{
		CFlags:    getenv(EnvCFlags),
		LinkFlags: getenv(EnvLinkFlags),
	}
	if dir := getenv(EnvMonolithicDir); dir != "" {
		in.MonolithicDir = filepath.Clean(dir)
	}
	return in
}

// Configure builds the extension description. Platform branches are
// checked in a fixed order and the first match wins.
func Configure(in Input) (Extension, error) {
	ext := Extension{
		Name:         ExtensionName,
		DefineMacros: []Macro{{Name: VersionMacro, Value: in.Version}},
		Sources:      []string{},
		IncludeDirs:  []string{},
		Libraries:    []string{},
		Language:     "c++",
	}

	mono := in.MonolithicDir != ""
	cflags := in.CFlags
	linkFlags := in.LinkFlags

	switch {
	case mono:
		src := filepath.Join(in.MonolithicDir, "cpp", "src")
		ext.IncludeDirs = append(ext.IncludeDirs,
			src,
			filepath.Join(src, "platform"),
			filepath.Join(src, "value_classes"),
		)
	case len(cflags)+len(linkFlags) < 1:
		if in.Resolver == nil {
			return Extension{}, ErrNoLibrarySource
		}
		resolved, err := in.Resolver.CFlags(PackageName)
		if err != nil {
			return Extension{}, fmt.Errorf("resolve %s: %w", PackageName, err)
		}
		cflags = resolved
		ext.Libraries = append(ext.Libraries, LinkLibrary)
	}

	if len(cflags) > 0 {
		ext.ExtraCompileArgs = append(ext.ExtraCompileArgs, splitFlags(cflags)...)
	}
	if len(linkFlags) > 0 {
		ext.ExtraLinkArgs = append(ext.ExtraLinkArgs, splitFlags(linkFlags)...)
	}

	defaultEnv := true
	osName := strings.ToLower(in.OS)
	switch {
	case strings.HasPrefix(osName, "darwin"):
		defaultEnv = false
		ext.ExtraCompileArgs = append(ext.ExtraCompileArgs, "-stdlib=libc++", "-mmacosx-version-min=10.7")
		ext.ExtraLinkArgs = append(ext.ExtraLinkArgs, "-framework", "CoreFoundation", "-framework", "IOKit")
		if mono {
			ext.IncludeDirs = append(ext.IncludeDirs, filepath.Join(in.MonolithicDir, "cpp", "build", "mac"))
			ext.ExtraObjects = append(ext.ExtraObjects, filepath.Join(in.MonolithicDir, "libopenzwave.a"))
		}
	case strings.HasPrefix(osName, "linux"):
		ext.ExtraCompileArgs = append(ext.ExtraCompileArgs, "-fvisibility=hidden")
	case strings.HasPrefix(osName, "freebsd"):
		defaultEnv = false
		ext.ExtraCompileArgs = append(ext.ExtraCompileArgs, "-fvisibility=hidden")
		if mono {
			ext.IncludeDirs = append(ext.IncludeDirs, filepath.Join(in.MonolithicDir, "cpp", "build", "linux"))
			ext.Libraries = append(ext.Libraries, "udev", "stdc++")
			ext.ExtraObjects = append(ext.ExtraObjects, filepath.Join(in.MonolithicDir, "libopenzwave.a"))
		}
	case strings.HasPrefix(osName, "win"):
		defaultEnv = false
		ext.Libraries = append(ext.Libraries, "setupapi", "msvcrt", "ws2_32", "dnsapi")
		if mono {
			ext.IncludeDirs = append(ext.IncludeDirs, filepath.Join(in.MonolithicDir, "cpp", "build", "windows"))
			ext.ExtraObjects = append(ext.ExtraObjects,
				filepath.Join(in.MonolithicDir, "cpp", "build", "windows", "vs2010", "Release", "openzwave.lib"))
		}
	}

	if defaultEnv && mono {
		ext.IncludeDirs = append(ext.IncludeDirs, filepath.Join(in.MonolithicDir, "cpp", "build", "linux"))
		ext.Libraries = append(ext.Libraries, "udev", "stdc++", "resolv")
		ext.ExtraObjects = append(ext.ExtraObjects, filepath.Join(in.MonolithicDir, "libopenzwave.a"))
	}

	if in.BindingInclude != "" {
		ext.IncludeDirs = append(ext.IncludeDirs, in.BindingInclude)
	}
	ext.IncludeDirs = append(ext.IncludeDirs, "lib")
	ext.Sources = append(ext.Sources, DefaultSources...)
	return ext, nil
}

// splitFlags splits on single spaces, keeping empty fields from repeated
// spaces so the result matches what the flags were configured as.
func splitFlags(s string) []string {
	return strings.Split(s, " ")
}

// CgoEnv renders the extension as cgo environment variables.
func (e Extension) CgoEnv() map[string]string {
	var cflags []string
	for _, m := range e.DefineMacros {
		if m.Value == "" {
			cflags = append(cflags, "-D"+m.Name)
		} else {
			cflags = append(cflags, "-D"+m.Name+"="+m.Value)
		}
	}
	for _, dir := range e.IncludeDirs {
		cflags = append(cflags, "-I"+dir)
	}
	cflags = append(cflags, nonEmpty(e.ExtraCompileArgs)...)

	var ldflags []string
	ldflags = append(ldflags, nonEmpty(e.ExtraLinkArgs)...)
	ldflags = append(ldflags, e.ExtraObjects...)
	for _, lib := range e.Libraries {
		ldflags = append(ldflags, "-l"+lib)
	}

	flags := strings.Join(cflags, " ")
	return map[string]string{
		"CGO_CFLAGS":   flags,
		"CGO_CXXFLAGS": flags,
		"CGO_LDFLAGS":  strings.Join(ldflags, " "),
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
