// Package validate holds the stateless input checks of the console: stream
// duration bounds, video filename extensions and credential string shape.
package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	FieldDuration    = "duration"
	FieldFilename    = "filename"
	FieldCredentials = "credentials"
	FieldComment     = "comment"
	FieldTitle       = "title"
)

var requiredCookies = []string{"sessionid", "ds_user_id"}

// Error is a caller mistake. Message is safe to show verbatim.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsDuration reports whether err rejects a stream duration.
func IsDuration(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Field == FieldDuration
}

type Duration struct {
	Hours   int `validate:"gte=0"`
	Minutes int `validate:"gte=0,lt=60"`
	Seconds int `validate:"gte=0,lt=60"`
}

func (d Duration) totalSeconds() int {
	return d.Hours*3600 + d.Minutes*60 + d.Seconds
}

type upload struct {
	Filename string `validate:"required,video_ext"`
}

type credentials struct {
	Cookies string `validate:"required,cookie_fields"`
}

type Validator struct {
	v                *validator.Validate
	maxHours         int
	allowed          map[string]struct{}
	maxTitleRunes    int
	maxCommentLength int
}

func New(maxHours int, allowedExtensions []string) *Validator {
	allowed := make(map[string]struct{}, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.TrimPrefix(strings.ToLower(ext), ".")] = struct{}{}
	}
	val := &Validator{
		v:                validator.New(validator.WithRequiredStructEnabled()),
		maxHours:         maxHours,
		allowed:          allowed,
		maxTitleRunes:    100,
		maxCommentLength: 300,
	}
	_ = val.v.RegisterValidation("video_ext", func(fl validator.FieldLevel) bool {
		return val.AllowedFile(fl.Field().String())
	})
	_ = val.v.RegisterValidation("cookie_fields", func(fl validator.FieldLevel) bool {
		return len(missingCookies(fl.Field().String())) == 0
	})
	val.v.RegisterStructValidation(func(sl validator.StructLevel) {
		d := sl.Current().Interface().(Duration)
		if val.maxHours <= 0 {
			return
		}
		// Hours is bounded first so totalSeconds cannot overflow.
		if d.Hours > val.maxHours || (d.Hours >= 0 && d.totalSeconds() > val.maxHours*3600) {
			sl.ReportError(d.Hours, "Hours", "Hours", "max_total", "")
		}
	}, Duration{})
	return val
}

func (val *Validator) MaxHours() int { return val.maxHours }

// Duration checks a requested stream length.
func (val *Validator) Duration(hours, minutes, seconds int) error {
	err := val.v.Struct(Duration{Hours: hours, Minutes: minutes, Seconds: seconds})
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	tags := make(map[string]bool, len(verrs))
	for _, fe := range verrs {
		tags[fe.Tag()] = true
	}
	switch {
	case tags["gte"]:
		return &Error{Field: FieldDuration, Message: "Duration values cannot be negative"}
	case tags["lt"]:
		return &Error{Field: FieldDuration, Message: "Minutes and seconds must be less than 60"}
	default:
		return &Error{Field: FieldDuration, Message: fmt.Sprintf("Maximum stream duration is %d hours", val.maxHours)}
	}
}

// AllowedFile reports whether name carries a whitelisted video extension.
func (val *Validator) AllowedFile(name string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	_, ok := val.allowed[ext]
	return ok
}

func (val *Validator) Filename(name string) error {
	if err := val.v.Struct(upload{Filename: name}); err != nil {
		if strings.TrimSpace(name) == "" {
			return &Error{Field: FieldFilename, Message: "No file selected"}
		}
		return &Error{Field: FieldFilename, Message: "Invalid file type. Allowed: " + val.allowedList()}
	}
	return nil
}

// Credentials checks the shape of a cookie string. It does not contact the
// platform.
func (val *Validator) Credentials(cookies string) error {
	if strings.TrimSpace(cookies) == "" {
		return &Error{Field: FieldCredentials, Message: "Cookies are required"}
	}
	if err := val.v.Struct(credentials{Cookies: cookies}); err != nil {
		return &Error{Field: FieldCredentials, Message: "Missing required cookie fields: " + strings.Join(missingCookies(cookies), ", ")}
	}
	return nil
}

func (val *Validator) Comment(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &Error{Field: FieldComment, Message: "Comment text is required"}
	}
	if err := val.v.Var(text, fmt.Sprintf("max=%d", val.maxCommentLength)); err != nil {
		return &Error{Field: FieldComment, Message: fmt.Sprintf("Comment must be at most %d characters", val.maxCommentLength)}
	}
	return nil
}

func (val *Validator) Title(title string) error {
	if err := val.v.Var(title, fmt.Sprintf("max=%d", val.maxTitleRunes)); err != nil {
		return &Error{Field: FieldTitle, Message: fmt.Sprintf("Title must be at most %d characters", val.maxTitleRunes)}
	}
	return nil
}

func (val *Validator) allowedList() string {
	exts := make([]string, 0, len(val.allowed))
	for ext := range val.allowed {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return strings.Join(exts, ", ")
}

func missingCookies(cookies string) []string {
	lower := strings.ToLower(cookies)
	var missing []string
	for _, field := range requiredCookies {
		if !strings.Contains(lower, field) {
			missing = append(missing, field)
		}
	}
	return missing
}
