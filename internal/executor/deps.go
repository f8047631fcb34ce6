package executor

import (
	"regexp"
	"strings"
)

// Python tracebacks name missing modules in a few shapes depending on the
// interpreter version and whether the import failed directly or inside a
// package.
var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
	regexp.MustCompile(`ImportError: No module named ([^\s']+)`),
	regexp.MustCompile(`No module named '([^']+)'`),
}

// pipPackageNames maps import names to their pip distribution where the two
// differ.
var pipPackageNames = map[string]string{
	"cv2":     "opencv-python",
	"PIL":     "Pillow",
	"bs4":     "beautifulsoup4",
	"sklearn": "scikit-learn",
	"yaml":    "pyyaml",
}

// MissingModules extracts the Python module names a failed run complained
// about, deduplicated in order of first appearance. Submodule paths reduce
// to the top-level package.
func MissingModules(errText string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range missingModulePatterns {
		for _, m := range re.FindAllStringSubmatch(errText, -1) {
			name := strings.Trim(m[1], `'" `)
			if i := strings.Index(name, "."); i > 0 {
				name = name[:i]
			}
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// PipPackageName resolves an import name to the pip package that provides
// it.
func PipPackageName(module string) string {
	if pkg, ok := pipPackageNames[module]; ok {
		return pkg
	}
	return module
}
