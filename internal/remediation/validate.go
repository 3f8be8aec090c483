package remediation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrUnsupportedActionType marks a type outside the closed enum.
var ErrUnsupportedActionType = errors.New("unsupported action type")

// ValidateAction checks an action before any side effect occurs. A missing
// parameter bag is normalized to an empty map.
func ValidateAction(a *Action) error {
	if a == nil {
		return fmt.Errorf("action is nil")
	}
	if a.Parameters == nil {
		a.Parameters = make(map[string]interface{})
	}
	if err := validate.Struct(a); err != nil {
		return err
	}

	for _, t := range ActionTypes() {
		if a.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedActionType, a.Type)
}
