package users

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
)

// ErrInvalidInput matches every validation failure returned by Create.
var ErrInvalidInput = errors.New("users: invalid input")

const (
	minNameLen  = 2
	maxNameLen  = 100
	maxEmailLen = 255
)

var namePattern = regexp.MustCompile(`^[a-zA-Z\s'-]+$`)

// CreateInput is the payload of Create.
type CreateInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// Is reports ErrInvalidInput.
func (e *FieldError) Is(target error) bool { return target == ErrInvalidInput }

// FieldErrors extracts the per-field failures from an error returned by
// Create. It returns nil for any other error.
func FieldErrors(err error) []FieldError {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return nil
	}
	var out []FieldError
	for _, e := range merr.Errors {
		var fe *FieldError
		if errors.As(e, &fe) {
			out = append(out, *fe)
		}
	}
	return out
}

// normalize trims and lowercases the input, then checks every field and
// reports all failures at once.
func (in CreateInput) normalize() (CreateInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	var errs *multierror.Error
	fail := func(field, msg string) {
		errs = multierror.Append(errs, &FieldError{Field: field, Message: msg})
	}

	switch n := utf8.RuneCountInString(in.Name); {
	case n == 0:
		fail("name", "Name is required")
	case n < minNameLen || n > maxNameLen:
		fail("name", "Name must be between 2 and 100 characters")
	case !namePattern.MatchString(in.Name):
		fail("name", "Name can only contain letters, spaces, hyphens, and apostrophes")
	}

	switch {
	case in.Email == "":
		fail("email", "Email is required")
	case !validEmail(in.Email):
		fail("email", "Email must be a valid email address")
	case len(in.Email) > maxEmailLen:
		fail("email", "Email must not exceed 255 characters")
	}

	return in, errs.ErrorOrNil()
}

// validEmail accepts a bare addr-spec with a dotted domain.
func validEmail(s string) bool {
	a, err := mail.ParseAddress(s)
	if err != nil || a.Address != s || a.Name != "" {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}
