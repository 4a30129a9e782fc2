package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "scenecollab/server"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// The document model and replica layers stay transport agnostic so they can
// run on either side of the relay.
var coreLayers = []string{
	"/internal/scene",
	"/internal/schema",
	"/internal/replica",
	"/internal/presence",
	"/internal/bridge",
	"/internal/locks",
	"/internal/undo",
}

var forbidden = []string{
	"/internal/net",
	"/internal/session",
	"/internal/store",
	"/internal/app",
	"/internal/config",
	"github.com/gorilla/websocket",
}

func isCore(path string) bool {
	for _, layer := range coreLayers {
		if path == modulePath+layer || strings.HasPrefix(path, modulePath+layer+"/") {
			return true
		}
	}
	return false
}

func isForbidden(imp string) bool {
	for _, prefix := range forbidden {
		if strings.HasPrefix(prefix, "/") {
			prefix = modulePath + prefix
		}
		if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
			return true
		}
	}
	return false
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	decoder := json.NewDecoder(bytes.NewReader(output))

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}
		if !isCore(pkg.ImportPath) {
			continue
		}
		for _, imp := range pkg.Imports {
			if isForbidden(imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}
