package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftmirror/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const ignoreFileName = ".mirrorignore"

var defaultIgnoreLines = []string{
	// mirror
	"*.mirror.tmp.*",
	// editors
	".vscode",
	".idea",
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"~$*",
	"4913",
	// general
	".git",
	"*.tmp",
	"*.part",
	"*.crdownload",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList decides which paths under a root are never synced. It combines the
// built-in rules, an optional .mirrorignore file in gitignore syntax and the
// doublestar globs from the config.
type IgnoreList struct {
	baseDir  string
	patterns []string
	ignore   *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string, patterns []string) *IgnoreList {
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			slog.Warn("ignore pattern invalid, skipping", "pattern", p)
			continue
		}
		valid = append(valid, p)
	}
	return &IgnoreList{
		baseDir:  baseDir,
		patterns: valid,
		ignore:   gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load (re)reads the .mirrorignore file of the root
func (s *IgnoreList) Load() {
	ignorePath := filepath.Join(s.baseDir, ignoreFileName)
	ignoreLines := append([]string{}, defaultIgnoreLines...)

	if utils.FileExists(ignorePath) {
		rules := 0
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("ignore file open", "path", ignorePath, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("ignore file read", "path", ignorePath, "error", err)
			} else {
				slog.Info("ignore file loaded", "path", ignorePath, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore reports whether relPath (relative to the root, any separator) is excluded
func (s *IgnoreList) ShouldIgnore(relPath string) bool {
	rel := filepath.ToSlash(relPath)
	if rel == "" || rel == "." {
		return false
	}

	if s.ignore != nil && s.ignore.MatchesPath(rel) {
		return true
	}

	for _, pattern := range s.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// bare name patterns apply at any depth
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, filepath.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}
