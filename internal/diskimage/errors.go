package diskimage

import "fmt"

// PartitionNotFoundError reports a missing boot signature or the absence
// of a usable native Linux partition.
type PartitionNotFoundError struct {
	Reason string
}

func (e *PartitionNotFoundError) Error() string {
	return "partition not found: " + e.Reason
}

// FilesystemUnsupportedError reports a partition that does not hold an
// ext2/3/4 filesystem this package can read.
type FilesystemUnsupportedError struct {
	Reason string
}

func (e *FilesystemUnsupportedError) Error() string {
	return "unsupported filesystem: " + e.Reason
}

// FileNotFoundInImageError reports one requested path that could not be
// resolved or read.
type FileNotFoundInImageError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FileNotFoundInImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("file %s not found in image: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("file %s not found in image: %s", e.Path, e.Reason)
}

func (e *FileNotFoundInImageError) Unwrap() error {
	return e.Err
}
