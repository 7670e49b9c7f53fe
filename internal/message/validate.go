package message

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a message's field constraints before it is persisted.
func Validate(m Message) error {
	if !m.Type().Valid() {
		return fmt.Errorf("invalid message type %q", m.Type())
	}
	if !m.Base().Priority.Valid() {
		return fmt.Errorf("invalid priority %d", m.Base().Priority)
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("validate %s message: %w", m.Type(), err)
	}
	return nil
}
