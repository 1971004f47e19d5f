// Package filter decides which source files and directories appear in
// the mounted view.
//
// Paths handed to a Filter are slash-separated and relative to the
// source root ("." is the root itself). The Filter reads the source
// tree through an afero.Fs rooted at the source directory.
package filter

import (
	"io/fs"
	"path"
	"regexp"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/gwangyi/cmdfs/internal/config"
)

// maxDepth bounds the emptiness walk so that symlink cycles in the
// source tree terminate.
const maxDepth = 40

// Filter evaluates the visibility predicates of a mount. It holds no
// mutable state and is safe for concurrent use.
type Filter struct {
	fsys afero.Fs

	pathPattern    *regexp.Regexp
	excludePattern *regexp.Regexp
	globs          []string
	extensions     []string
	mimePattern    *regexp.Regexp

	linkThrough   bool
	hideEmptyDirs bool
}

// New returns a Filter for the predicates configured in m. fsys must be
// rooted at the source directory.
func New(fsys afero.Fs, m *config.Mount) *Filter {
	return &Filter{
		fsys:           fsys,
		pathPattern:    m.PathPattern,
		excludePattern: m.ExcludePattern,
		globs:          m.Globs,
		extensions:     m.Extensions,
		mimePattern:    m.MIMEPattern,
		linkThrough:    m.LinkThrough,
		hideEmptyDirs:  m.HideEmptyDirs,
	}
}

// SourcePath converts a relative path into the name used on the source
// afero.Fs.
func SourcePath(rel string) string {
	return path.Join("/", rel)
}

// MatchesPath reports whether rel passes every predicate that does not
// need the file content. Predicates run cheapest first.
func (f *Filter) MatchesPath(rel string) bool {
	rooted := SourcePath(rel)
	if f.pathPattern != nil && !f.pathPattern.MatchString(rooted) {
		return false
	}
	if f.excludePattern != nil && f.excludePattern.MatchString(rooted) {
		return false
	}
	if len(f.globs) > 0 && !slices.ContainsFunc(f.globs, func(g string) bool {
		ok, _ := doublestar.Match(g, rel)
		return ok
	}) {
		return false
	}
	if len(f.extensions) > 0 {
		ext := path.Ext(rel)
		if ext == "" || !slices.Contains(f.extensions, ext[1:]) {
			return false
		}
	}
	return true
}

// VisibleFile reports whether the regular file rel passes the filter.
// The content type is sniffed only after every path predicate accepted
// the file, and the bytes read for it are not retained.
func (f *Filter) VisibleFile(rel string) (bool, error) {
	if !f.MatchesPath(rel) {
		return false, nil
	}
	if f.mimePattern == nil {
		return true, nil
	}
	return f.matchesContent(rel)
}

func (f *Filter) matchesContent(rel string) (bool, error) {
	file, err := f.fsys.Open(SourcePath(rel))
	if err != nil {
		return false, err
	}
	defer file.Close()

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		return false, err
	}
	return f.mimePattern.MatchString(mtype.String()), nil
}

// Exposed reports whether the regular file rel appears in the view at
// all, either as a filtered file or as a link-through symlink.
func (f *Filter) Exposed(rel string) (bool, error) {
	if f.linkThrough {
		return true, nil
	}
	return f.VisibleFile(rel)
}

// VisibleDir reports whether the directory dir appears in the view. The
// root is always visible; other directories are hidden only when empty
// directories are hidden and dir has no exposed descendant.
func (f *Filter) VisibleDir(dir string) (bool, error) {
	if !f.hideEmptyDirs || dir == "." || dir == "" {
		return true, nil
	}
	return f.HasVisibleDescendant(dir)
}

// HasVisibleDescendant walks the subtree rooted at dir and reports
// whether it contains at least one exposed file. The walk stops at the
// first one found. Nothing is memoized between calls.
func (f *Filter) HasVisibleDescendant(dir string) (bool, error) {
	entries, err := afero.ReadDir(f.fsys, SourcePath(dir))
	if err != nil {
		return false, err
	}
	return f.walk(dir, entries, 0), nil
}

func (f *Filter) walk(dir string, entries []fs.FileInfo, depth int) bool {
	var subdirs []string
	for _, fi := range entries {
		rel := path.Join(dir, fi.Name())
		fi, err := f.follow(rel, fi)
		if err != nil {
			continue
		}
		switch {
		case fi.IsDir():
			subdirs = append(subdirs, rel)
		case fi.Mode().IsRegular():
			if ok, err := f.Exposed(rel); err == nil && ok {
				return true
			}
		}
	}

	if depth >= maxDepth {
		return false
	}
	for _, sub := range subdirs {
		entries, err := afero.ReadDir(f.fsys, SourcePath(sub))
		if err != nil {
			continue
		}
		if f.walk(sub, entries, depth+1) {
			return true
		}
	}
	return false
}

// follow resolves symlinks so that a link is classified by its target.
func (f *Filter) follow(rel string, fi fs.FileInfo) (fs.FileInfo, error) {
	if fi.Mode()&fs.ModeSymlink == 0 {
		return fi, nil
	}
	target, err := f.fsys.Stat(SourcePath(rel))
	if err != nil {
		return nil, err
	}
	return target, nil
}
