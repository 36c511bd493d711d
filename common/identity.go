package common

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidFileIdentity is returned when file name and extension do not identify one file
var ErrInvalidFileIdentity = errors.New("invalid file identity")

// FileIdentity identifies a backing file of the buffer pool.
// it is derived from the file name and its extension, so two files which differ only in
// extension (ex: data file and index file of the same collection) are different identities.
// FileIdentity is used as the first component of page key and it is ordered lexicographically.
type FileIdentity string

// extensionSeparator separates file name and extension
const extensionSeparator = "."

// NewFileIdentity builds the identity of file from name and extension
// when extension is empty, the identity is just the name.
// the pair should be checked by ValidateFileIdentity, otherwise two pairs may build the same identity
func NewFileIdentity(name, extension string) FileIdentity {
	extension = strings.TrimPrefix(extension, extensionSeparator)
	if extension == "" {
		return FileIdentity(name)
	}
	return FileIdentity(name + extensionSeparator + extension)
}

// ValidateFileIdentity checks that no other pair of name and extension builds the same identity.
// the extension must not contain the separator, and the name must not either when extension is empty
func ValidateFileIdentity(name, extension string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidFileIdentity, "name is empty")
	}
	extension = strings.TrimPrefix(extension, extensionSeparator)
	if strings.Contains(extension, extensionSeparator) {
		return errors.Wrapf(ErrInvalidFileIdentity, "extension %q contains %q", extension, extensionSeparator)
	}
	if extension == "" && strings.Contains(name, extensionSeparator) {
		return errors.Wrapf(ErrInvalidFileIdentity, "name %q without extension contains %q", name, extensionSeparator)
	}
	return nil
}

// String returns the identity as file name
func (id FileIdentity) String() string {
	return string(id)
}
