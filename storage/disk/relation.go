package disk

import (
	"fmt"
	"path/filepath"

	"github.com/HayatoShiba/pagecache/common"
)

// getSegmentFilePath returns file path of the segment under base directory
// paged file is divided into segments like postgres relation files
// - first segment: /base/users.pcl
// - second segment: /base/users.pcl.1
// see https://github.com/postgres/postgres/blob/85d8b30724c0fd117a683cc72706f71b28463a05/src/backend/storage/smgr/md.c#L44-L80
func getSegmentFilePath(baseDir string, id common.FileIdentity, segment int) string {
	if segment == 0 {
		return filepath.Join(baseDir, id.String())
	}
	return filepath.Join(baseDir, fmt.Sprintf("%s.%d", id, segment))
}
