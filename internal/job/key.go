package job

import (
	"fmt"
	"strings"
)

// ArchiveSuffix is appended to every artifact key.
const ArchiveSuffix = ".tar.gz"

// ObjectKey derives the artifact key for a job executed in region. The gateway calls it
// before any worker runs, so it must depend on nothing but its arguments.
func ObjectKey(jobID, region string) string {
	return fmt.Sprintf("%s-%s%s", jobID, region, ArchiveSuffix)
}

// ArchiveStem strips the archive suffix; the stem names the archive's top-level directory.
func ArchiveStem(key string) string {
	return strings.TrimSuffix(key, ArchiveSuffix)
}
