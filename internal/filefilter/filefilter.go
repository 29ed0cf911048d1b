// Package filefilter implements the file filter (spec §4.9): a simple
// include/exclude gate the assembler (C4) consults before any read or
// write, based on two operator-configured regexes.
package filefilter

import (
	"regexp"
	"strings"
)

// Filter gates document ids by path-shaped rules.
type Filter struct {
	syncOnly   *regexp.Regexp
	syncIgnore *regexp.Regexp
}

// New compiles a Filter from the syncOnlyRegEx/syncIgnoreRegEx options
// (spec §6). Empty patterns are treated as unset.
func New(syncOnlyRegEx, syncIgnoreRegEx string) (*Filter, error) {
	f := &Filter{}
	if syncOnlyRegEx != "" {
		re, err := regexp.Compile(syncOnlyRegEx)
		if err != nil {
			return nil, err
		}
		f.syncOnly = re
	}
	if syncIgnoreRegEx != "" {
		re, err := regexp.Compile(syncIgnoreRegEx)
		if err != nil {
			return nil, err
		}
		f.syncIgnore = re
	}
	return f, nil
}

// IsTargetFile reports whether path should be synced/processed.
func (f *Filter) IsTargetFile(path string) bool {
	if strings.Contains(path, ":") {
		return true
	}
	if f.syncOnly != nil && !f.syncOnly.MatchString(path) {
		return false
	}
	if f.syncIgnore != nil && f.syncIgnore.MatchString(path) {
		return false
	}
	return true
}
