package ssrcore

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// needsBundling reports whether a module pulls in other files and therefore
// has to go through esbuild before evaluation. Flat modules skip the build.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "require(")
}

// bundleModule flattens the entry and everything it imports into a single
// ES module the engine can evaluate in one pass.
func bundleModule(entryPath string) (string, error) {
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{entryPath},
		Bundle:      true,
		Format:      esbuild.FormatESModule,
		Write:       false,
		Platform:    esbuild.PlatformBrowser,
		Target:      esbuild.ES2020,
		TreeShaking: esbuild.TreeShakingFalse,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", entryPath, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", entryPath)
	}
	return string(result.OutputFiles[0].Contents), nil
}
