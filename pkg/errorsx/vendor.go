package errorsx

import (
	"errors"
	"fmt"
)

// VendorError carries an explicit error frame received from the speech
// service. Fatal classification is vendor-specific and decided by the
// caller through the vendor profile.
type VendorError struct {
	Code    int32
	Message string
}

func (e VendorError) Error() string {
	return fmt.Sprintf("vendor error %d: %s", e.Code, e.Message)
}

// AsVendor extracts a VendorError from an error chain.
func AsVendor(err error) (VendorError, bool) {
	var ve VendorError
	ok := errors.As(err, &ve)
	return ve, ok
}
