// Package merge implements the differential synchronization of the local
// artifact store from the latest crawl snapshot: parsing version metadata
// descriptors, planning the per-coordinate set of files to fetch and
// driving a pool of workers that materializes them.
package merge

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteMetadata signals a version metadata descriptor missing one
// of the required fields or listing no versions at all
var ErrIncompleteMetadata = errors.New("incomplete version metadata")

// suffixes is the fixed, ordered set of files expected per version of an
// artifact
var suffixes = []string{".jar", "-javadoc.jar", "-sources.jar", ".pom"}

// Suffixes returns the per-version file suffix set in its canonical order
func Suffixes() []string {
	out := make([]string, len(suffixes))
	copy(out, suffixes)
	return out
}

// BasePath maps a coordinate onto its repository path, dots in the group
// becoming directory separators. The result keeps its trailing '/'.
func BasePath(groupID, artifactID string) string {
	return strings.ReplaceAll(groupID, ".", "/") + "/" + artifactID + "/"
}

// versionMetadata mirrors the subset of a maven-metadata.xml document the
// planner cares about
type versionMetadata struct {
	GroupID    string   `xml:"groupId"`
	ArtifactID string   `xml:"artifactId"`
	Versions   []string `xml:"versioning>versions>version"`
}

// VersionsFromMetadata decodes a version metadata descriptor and expands
// it into the repository-relative URLs of every file the listed versions
// imply: for each version, each suffix of the canonical set. It fails with
// ErrIncompleteMetadata unless groupId, artifactId and at least one
// version are present.
func VersionsFromMetadata(data []byte) (groupID, artifactID string, files []string, err error) {
	var md versionMetadata
	if err := xml.Unmarshal(data, &md); err != nil {
		return "", "", nil, fmt.Errorf("%w: parse version metadata: %w", ErrIncompleteMetadata, err)
	}
	if md.GroupID == "" || md.ArtifactID == "" || len(md.Versions) == 0 {
		return "", "", nil, fmt.Errorf("%w: group %q artifact %q versions %d",
			ErrIncompleteMetadata, md.GroupID, md.ArtifactID, len(md.Versions))
	}
	base := BasePath(md.GroupID, md.ArtifactID)
	for _, version := range md.Versions {
		for _, suffix := range suffixes {
			files = append(files, fmt.Sprintf("%s%s/%s-%s%s", base, version, md.ArtifactID, version, suffix))
		}
	}
	return md.GroupID, md.ArtifactID, files, nil
}
