package buildcfg

const (
	BuildScript = "pyozw_setup.py"
	VersionFile = "pyozw_version.py"
)

// DistributionFiles returns the source distribution file list: the
// tracked files plus the build script and version file, which ship even
// when version control does not track them. Duplicates are dropped and
// the first occurrence keeps its position.
func DistributionFiles(tracked []string) []string {
	seen := make(map[string]bool, len(tracked)+2)
	out := make([]string, 0, len(tracked)+2)
	for _, f := range append(append([]string{}, tracked...), BuildScript, VersionFile) {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
