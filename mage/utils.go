package mage

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/magefile/mage/sh"
)

// getProductVersion reads the nearest git tag, falling back to "dev" outside a
// tagged checkout.
func getProductVersion() string {
	out, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil || strings.TrimSpace(out) == "" {
		return "dev"
	}
	return strings.TrimPrefix(strings.TrimSpace(out), "v")
}

// gitRevParse returns the short git commit hash of the current HEAD.
func gitRevParse() string {
	out, err := sh.Output("git", "rev-parse", "--short=9", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Credit to https://github.com/sfate
// https://gist.github.com/sfate/9d45f6c5405dc4c9bf63bf95fe6d1a7c
func PrettyPrint(args ...interface{}) {
	var caller string

	timeNow := time.Now().Format("01-02-2006 15:04:05")
	prefix := fmt.Sprintf("[%s] %s -- ", "PrettyPrint", timeNow)
	_, fileName, fileLine, ok := runtime.Caller(1)

	if ok {
		caller = fmt.Sprintf("%s:%d", fileName, fileLine)
	} else {
		caller = ""
	}

	fmt.Printf("\n%s%s\n", prefix, caller)

	if len(args) == 2 {
		label := args[0]
		value := args[1]

		s, _ := json.MarshalIndent(value, "", "\t")
		fmt.Printf("%s%s: %s\n", prefix, label, string(s))
	} else {
		s, _ := json.MarshalIndent(args, "", "\t")
		fmt.Printf("%s%s\n", prefix, string(s))
	}
}
