package archivereader

import "strings"

// canonicalSeparator addresses an entry inside an archive ("archive_path::entry_name"). "#" is accepted on read
// for compatibility with locators persisted by older versions, but JoinLocator never produces it.
const canonicalSeparator = "::"

const legacySeparator = "#"

// JoinLocator builds the canonical "archivePath::entryName" locator for an entry inside an archive.
func JoinLocator(archivePath, entryName string) string {
	return archivePath + canonicalSeparator + entryName
}

// SplitLocator parses a locator produced by JoinLocator, or the legacy "archivePath#entryName" form, into its
// archive path and entry name. ok is false if locator does not contain either separator.
func SplitLocator(locator string) (archivePath, entryName string, ok bool) {
	if idx := strings.Index(locator, canonicalSeparator); idx >= 0 {
		return locator[:idx], locator[idx+len(canonicalSeparator):], true
	}
	if idx := strings.Index(locator, legacySeparator); idx >= 0 {
		return locator[:idx], locator[idx+len(legacySeparator):], true
	}
	return "", "", false
}
