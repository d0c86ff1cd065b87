package mage

import (
	"runtime"
	"strings"
	"time"
)

type BuildConfig struct {
	AppName     string   // Name of the binary
	ArchType    string   // Architecture type (e.g., amd64, arm64)
	BuildDir    string   // Directory to place build outputs
	BuildTime   string   // Build time in RFC3339 format
	Commit      string   // Git commit hash
	CoverFile   string   // Coverage profile written by the coverage target
	OsType      string   // Operating system type (e.g., linux, darwin)
	PackagePath string   // Go module package path
	TestArgs    []string // Extra arguments for go test
	Version     string   // Version of the build
}

func NewBuildConfig() BuildConfig {
	return BuildConfig{
		AppName:     "dashboard",
		ArchType:    runtime.GOARCH,
		BuildDir:    "build",
		BuildTime:   time.Now().UTC().Format(time.RFC3339),
		Commit:      gitRevParse(),
		CoverFile:   "build/coverage.out",
		OsType:      runtime.GOOS,
		PackagePath: "github.com/luxury-yacht/dashboard",
		TestArgs:    []string{"-race", "-count=1"},
		Version:     getProductVersion(),
	}
}

// OutputPath is where Build writes the binary.
func (c BuildConfig) OutputPath() string {
	name := c.AppName
	if c.OsType == "windows" {
		name += ".exe"
	}
	return c.BuildDir + "/" + name
}

// LDFlags stamps the version and commit into the main package.
func (c BuildConfig) LDFlags() string {
	flags := []string{
		"-s", "-w",
		"-X", "main.version=" + c.Version,
	}
	if c.Commit != "" {
		flags = append(flags, "-X", "main.commit="+c.Commit)
	}
	return strings.Join(flags, " ")
}
