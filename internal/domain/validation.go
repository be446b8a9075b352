package domain

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Input limits for provisioning requests.
const (
	MaxDomainLength    = 253
	MaxSelectorLength  = 63
	MaxLocalPartLength = 64
	MinPasswordLength  = 8
	MaxPasswordLength  = 72 // bcrypt ignores bytes past 72
	MinQuotaMB         = 1
	MaxQuotaMB         = 100000
)

var (
	labelRe    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	tldRe      = regexp.MustCompile(`^([a-z]{2,63}|xn--[a-z0-9-]{1,59})$`)
	selectorRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	localRe    = regexp.MustCompile(`^[a-z0-9._+-]+$`)
)

// reservedDomains may not be provisioned, nor may any name beneath them.
var reservedDomains = map[string]bool{
	"localhost":   true,
	"localdomain": true,
	"local":       true,
	"invalid":     true,
	"internal":    true,
	"arpa":        true,
}

// reservedLocalParts collide with system accounts on the mail host.
var reservedLocalParts = map[string]bool{
	"root":          true,
	"daemon":        true,
	"nobody":        true,
	"mailer-daemon": true,
	"vmail":         true,
	"opendkim":      true,
	"postfix":       true,
	"dovecot":       true,
}

// DomainSpec is the validated input of CreateDomain.
type DomainSpec struct {
	Name     string `json:"name" validate:"required,max=253,domain_name,not_reserved_domain"`
	Selector string `json:"selector" validate:"required,max=63,dkim_selector"`
}

// SelectorSpec is the validated input of a key rotation.
type SelectorSpec struct {
	Selector string `json:"selector" validate:"required,max=63,dkim_selector"`
}

// MailboxSpec is the validated input of CreateMailbox.
type MailboxSpec struct {
	LocalPart string `json:"local_part" validate:"required,max=64,local_part,not_reserved_local"`
	Password  string `json:"password" validate:"required,password_strength"`
	QuotaMB   int    `json:"quota_mb" validate:"min=1,max=100000"`
}

// PasswordSpec is the validated input of a password change.
type PasswordSpec struct {
	Password string `json:"password" validate:"required,password_strength"`
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationErrors is returned by Validate when any field is rejected.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, fe := range v {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("domain_name", func(fl validator.FieldLevel) bool {
		return IsDomainName(fl.Field().String())
	})
	_ = v.RegisterValidation("not_reserved_domain", func(fl validator.FieldLevel) bool {
		return !IsReservedDomain(fl.Field().String())
	})
	_ = v.RegisterValidation("dkim_selector", func(fl validator.FieldLevel) bool {
		return selectorRe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("local_part", func(fl validator.FieldLevel) bool {
		return IsLocalPart(fl.Field().String())
	})
	_ = v.RegisterValidation("not_reserved_local", func(fl validator.FieldLevel) bool {
		return !reservedLocalParts[fl.Field().String()]
	})
	_ = v.RegisterValidation("password_strength", func(fl validator.FieldLevel) bool {
		return PasswordStrong(fl.Field().String())
	})
	return v
}

// Validate checks a spec struct and returns ValidationErrors on failure.
// Inputs are expected to be normalised already (see NormalizeName).
func Validate(spec interface{}) error {
	err := validate.Struct(spec)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "domain_name":
		return "name is not a valid domain name"
	case "not_reserved_domain":
		return "name is reserved"
	case "dkim_selector":
		return "selector may contain only letters, digits and inner hyphens"
	case "local_part":
		return "local_part contains invalid characters or dots"
	case "not_reserved_local":
		return "local_part is reserved"
	case "password_strength":
		return fmt.Sprintf("password must be %d-%d bytes and mix at least three of upper case, lower case, digits and symbols",
			MinPasswordLength, MaxPasswordLength)
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// NormalizeName case-folds and trims a domain name, selector or local part.
// A single trailing dot on a domain name is dropped.
func NormalizeName(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// IsDomainName reports whether name is a syntactically valid, fully
// qualified hostname with at least two labels and an alphabetic TLD.
func IsDomainName(name string) bool {
	if name == "" || len(name) > MaxDomainLength {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !labelRe.MatchString(l) {
			return false
		}
	}
	return tldRe.MatchString(labels[len(labels)-1])
}

// IsReservedDomain reports whether name is, or sits beneath, a reserved name.
func IsReservedDomain(name string) bool {
	labels := strings.Split(name, ".")
	for i := range labels {
		if reservedDomains[strings.Join(labels[i:], ".")] {
			return true
		}
	}
	return false
}

// IsLocalPart reports whether s is an acceptable unquoted local part.
func IsLocalPart(s string) bool {
	if s == "" || len(s) > MaxLocalPartLength || !localRe.MatchString(s) {
		return false
	}
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	return true
}

// PasswordStrong enforces length bounds and at least three character classes.
func PasswordStrong(p string) bool {
	if len(p) < MinPasswordLength || len(p) > MaxPasswordLength {
		return false
	}
	var upper, lower, digit, symbol bool
	for _, r := range p {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, symbol} {
		if ok {
			classes++
		}
	}
	return classes >= 3
}
