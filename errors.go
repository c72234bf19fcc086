package orgspace

import (
	"fmt"

	"github.com/pkg/errors"
)

// Validation failures. These are returned before any network call is made.
var (
	ErrEmptySelector          = errors.New("selector is empty")
	ErrDegenerateConversation = errors.New("conversation has the same participant on both sides")
	ErrNotConnected           = errors.New("not connected")
	ErrEmptyMessage           = errors.New("message needs content or an attachment")
	ErrMissingReceiver        = errors.New("receiver id is required")
	ErrAttachmentTooLarge     = errors.New("attachment exceeds maximum size")
	ErrAttachmentType         = errors.New("attachment type is not allowed")
	ErrAttachmentInvalid      = errors.New("attachment is invalid")
	ErrUploadBusy             = errors.New("an upload is already in progress")
)

// APIError is returned for non-2xx responses from the messaging service.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// IsValidation reports whether err was rejected locally, without touching
// the network.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrEmptySelector, ErrDegenerateConversation, ErrNotConnected,
		ErrEmptyMessage, ErrMissingReceiver, ErrAttachmentTooLarge,
		ErrAttachmentType, ErrAttachmentInvalid, ErrUploadBusy,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
