package media

import (
	"errors"
	"fmt"
	"io"
)

// MaxFileBytes is the DingTalk media upload ceiling, used when no limit is configured.
const MaxFileBytes int64 = 20 << 20

// CheckDeclaredSize rejects a payload whose announced size already exceeds
// maxBytes. Unknown sizes (<= 0) pass.
func CheckDeclaredSize(declared, maxBytes int64) error {
	if maxBytes > 0 && declared > maxBytes {
		return fmt.Errorf("%w: declared %d bytes, max %d bytes", ErrFileTooLarge, declared, maxBytes)
	}
	return nil
}

// ReadAllWithLimit reads reader to the end, failing with ErrFileTooLarge as
// soon as more than maxBytes arrive. At most maxBytes+1 bytes are buffered.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, errors.New("nil reader")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("invalid size limit %d", maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, maxBytes)
	}
	return data, nil
}
