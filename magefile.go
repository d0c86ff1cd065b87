//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"

	"github.com/luxury-yacht/dashboard/mage"
)

var cfg = mage.NewBuildConfig()

// ===============================
// Debugging Stuff
// ===============================

// Displays the current build configuration
func ShowConfig() {
	mage.PrettyPrint(cfg)
}

// ===============================
// Mage Aliases
// ===============================

var Aliases = map[string]interface{}{
	"clean":               Clean.Build,
	"clean-all":           Clean.All,
	"clean-go-cache":      Clean.GoCache,
	"deps":                Deps.Go,
	"go-mod-update-check": QC.GoModUpdateCheck,
	"go-mod-update":       QC.GoModUpdate,
	"lint":                QC.Lint,
	"vet":                 QC.Vet,
	"trivy":               QC.Trivy,
	"test":                Test.All,
	"test-cov":            Test.Coverage,
	"test-race":           Test.Race,
}

// ===============================
// Ensure Dependencies
// ===============================

func isStaticcheckInstalled() error {
	if _, err := exec.LookPath("staticcheck"); err != nil {
		return fmt.Errorf("staticcheck is not installed.")
	}
	return nil
}

func isTrivyInstalled() error {
	if _, err := exec.LookPath("trivy"); err != nil {
		return fmt.Errorf("trivy is not installed.")
	}
	return nil
}

// ===============================
// Dependency Management Tasks
// ===============================

type Deps mg.Namespace

// Downloads and tidies Go modules
func (Deps) Go() error {
	fmt.Println("\n📦 Tidying Go modules...")
	return sh.RunV("go", "mod", "tidy")
}

// ===============================
// Cleanup Tasks
// ===============================

type Clean mg.Namespace

// Removes build output and the Go cache
func (Clean) All() {
	mg.SerialDeps(Clean.Build, Clean.GoCache)
}

// Removes the build directory
func (Clean) Build() error {
	fmt.Printf("\n🧹 Removing %s...\n", cfg.BuildDir)
	return os.RemoveAll(cfg.BuildDir)
}

// Cleans the Go build and test caches
func (Clean) GoCache() error {
	fmt.Println("\n🧹 Cleaning Go cache...")
	return sh.RunV("go", "clean", "-cache", "-testcache")
}

// ===============================
// Quality Control Tasks
// ===============================

type QC mg.Namespace

// Checks for Go module updates
func (QC) GoModUpdateCheck() error {
	fmt.Println("\n🔎 Checking for outdated Go modules...")
	return sh.RunV("go", "list", "-u", "-m", "-f", `{{if and (not .Indirect) .Update}}{{.Path}} {{.Version}} → {{.Update.Version}}{{end}}`, "all")
}

// Updates Go modules
func (QC) GoModUpdate() error {
	fmt.Println("\n🔄 Updating outdated Go modules...")
	if err := sh.RunV("go", "get", "-u", "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "mod", "tidy")
}

// Runs go vet and staticcheck
func (QC) Vet() error {
	if err := isStaticcheckInstalled(); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running go vet...")
	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running staticcheck...")
	return sh.RunV("staticcheck", "./...")
}

// Fails when any Go file is not gofmt-clean
func (QC) Lint() error {
	fmt.Println("\n🔎 Checking formatting...")
	out, err := sh.Output("gofmt", "-l", "main.go", "backend", "mage")
	if err != nil {
		return err
	}
	if out = strings.TrimSpace(out); out != "" {
		return fmt.Errorf("files need gofmt:\n%s", out)
	}
	return nil
}

// Scans the module for vulnerable dependencies
func (QC) Trivy() error {
	if err := isTrivyInstalled(); err != nil {
		return err
	}
	fmt.Println("\n🔎 Running trivy...")
	return sh.RunV("trivy", "fs", "--scanners", "vuln", ".")
}

// Runs every check before tagging a release
func (QC) PreRelease() {
	mg.SerialDeps(QC.Lint, QC.Vet, Test.Race)
}

// ===============================
// Test Tasks
// ===============================

type Test mg.Namespace

// Runs the tests
func (Test) All() error {
	fmt.Println("\n🔎 Running tests...")
	return sh.RunV("go", "test", "./...")
}

// Runs the tests with the race detector
func (Test) Race() error {
	fmt.Println("\n🔎 Running tests with the race detector...")
	args := append([]string{"test"}, cfg.TestArgs...)
	return sh.RunV("go", append(args, "./...")...)
}

// Runs the tests with coverage
func (Test) Coverage() error {
	fmt.Println("\n🔎 Running tests with coverage...")
	if err := os.MkdirAll(filepath.Dir(cfg.CoverFile), os.ModePerm); err != nil {
		return err
	}
	if err := sh.RunV("go", "test", "./...", "-coverprofile="+cfg.CoverFile); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func="+cfg.CoverFile)
}

// ===============================
// Build Tasks
// ===============================

// Builds the dashboard binary for the host platform.
func Build() error {
	fmt.Printf("\n🔨 Building %s %s for %s/%s...\n", cfg.AppName, cfg.Version, cfg.OsType, cfg.ArchType)
	if err := os.MkdirAll(cfg.BuildDir, os.ModePerm); err != nil {
		return err
	}
	env := map[string]string{
		"GOOS":        cfg.OsType,
		"GOARCH":      cfg.ArchType,
		"CGO_ENABLED": "0",
	}
	return sh.RunWithV(env, "go", "build", "-trimpath", "-ldflags", cfg.LDFlags(), "-o", cfg.OutputPath(), ".")
}

// Builds and runs the dashboard against the current kubeconfig.
func Dev() error {
	mg.Deps(Build)
	return sh.RunV(cfg.OutputPath())
}
