// Package gitinfo looks up the branch and commit of a working directory so
// screenshots can carry an opaque source-control tag.
package gitinfo

import (
	"os/exec"
	"strings"
)

// Info is the tag attached to new screenshots. Consumers treat it as opaque.
type Info struct {
	Branch string
	Commit string
}

// Detect returns the current branch and commit of the repository containing
// dir, or ok=false when dir is not inside a git checkout or git is not
// installed. Absence is never an error; the tag is optional.
func Detect(dir string) (Info, bool) {
	branch, err := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Info{}, false
	}
	commit, err := gitOutput(dir, "rev-parse", "HEAD")
	if err != nil {
		return Info{}, false
	}
	return Info{Branch: branch, Commit: commit}, true
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
