package ssrcore

import (
	"regexp"
	"strings"
)

// exportBlockRe matches a trailing export { ... } block, the shape esbuild
// emits for ESM output.
var exportBlockRe = regexp.MustCompile(`(?s)export\s*\{([^}]+)\}\s*;?\s*$`)

// exportDefaultRe matches "export default" at the start of a line, which
// keeps string literals and comments from matching.
var exportDefaultRe = regexp.MustCompile(`(?m)^export\s+default\s+`)

// exportInlineRe matches inline named exports (export function, export
// const, export class, ...).
var exportInlineRe = regexp.MustCompile(`export\s+(async\s+function|function|const|let|var|class)\s+(\w+)`)

// rewriteModuleExports turns an ES module source into a plain script that
// assigns its exports to globalThis.__ssr_module, since the embedded engine
// wrapper only evaluates scripts. The shapes handled:
//
//  1. export default { render(request) { ... } }
//  2. export { name as default }         (esbuild output)
//  3. export { render, renderStream }    (named exports)
//  4. export function render(...)        (inline named exports)
func rewriteModuleExports(source string) string {
	if loc := exportDefaultRe.FindStringIndex(source); loc != nil {
		return source[:loc[0]] + "globalThis.__ssr_module = " + source[loc[1]:]
	}

	if m := exportBlockRe.FindStringSubmatchIndex(source); m != nil {
		defaultName, named := splitExportBlock(source[m[2]:m[3]])
		head := source[:m[0]]
		switch {
		case defaultName != "":
			return head + "globalThis.__ssr_module = " + defaultName + ";\n"
		case len(named) > 0:
			return head + "globalThis.__ssr_module = { " + strings.Join(named, ", ") + " };\n"
		}
		return head
	}

	var names []string
	rewritten := exportInlineRe.ReplaceAllStringFunc(source, func(match string) string {
		parts := exportInlineRe.FindStringSubmatch(match)
		names = append(names, parts[2])
		return parts[1] + " " + parts[2]
	})
	if len(names) > 0 {
		return rewritten + "\nglobalThis.__ssr_module = { " + strings.Join(names, ", ") + " };\n"
	}

	// No export syntax at all; the script may assign the global itself.
	return source
}

// splitExportBlock parses the inside of an export { ... } block into the
// default export name (if aliased) and "key: value" pairs for the rest.
func splitExportBlock(block string) (defaultName string, named []string) {
	for _, entry := range strings.Split(block, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		switch {
		case len(fields) == 3 && fields[1] == "as" && fields[2] == "default":
			defaultName = fields[0]
		case len(fields) == 3 && fields[1] == "as":
			named = append(named, fields[2]+": "+fields[0])
		case len(fields) == 1:
			named = append(named, fields[0])
		}
	}
	return
}
