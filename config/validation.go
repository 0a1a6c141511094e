package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
)

// ErrInvalid is wrapped by every error Validate returns.
var ErrInvalid = errors.New("invalid config")

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "validation failed with %d error(s):", len(ve))
	for _, e := range ve {
		fmt.Fprintf(&sb, " %s: %s;", e.Field, e.Message)
	}
	return sb.String()
}

// Unwrap lets errors.Is match ErrInvalid.
func (ve ValidationErrors) Unwrap() error { return ErrInvalid }

var validate *validator.Validate

func init() {
	validate = validator.New()

	for tag, fn := range map[string]validator.Func{
		"hostport":          validateHostPort,
		"hostport_or_empty": validateHostPortOrEmpty,
		"upstream":          validateUpstream,
		"fqdn_or_wildcard":  validateDomain,
	} {
		if err := validate.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	ve := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		ve = append(ve, ValidationError{
			Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: validationMessage(fe),
		})
	}
	return ve
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "hostport", "hostport_or_empty":
		return "must be in format 'host:port'"
	case "upstream":
		return "must be an ip address with optional port, IPv6 with port in square brackets"
	case "cidr":
		return "must be a CIDR network"
	case "fqdn_or_wildcard":
		return "must be a domain name"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

func validateHostPort(fl validator.FieldLevel) bool {
	_, _, err := net.SplitHostPort(fl.Field().String())
	return err == nil
}

func validateHostPortOrEmpty(fl validator.FieldLevel) bool {
	if fl.Field().String() == "" {
		return true
	}
	return validateHostPort(fl)
}

func validateUpstream(fl validator.FieldLevel) bool {
	_, err := ParseUpstream(fl.Field().String())
	return err == nil
}

func validateDomain(fl validator.FieldLevel) bool {
	_, ok := dns.IsDomainName(fl.Field().String())
	return ok
}

// ParseUpstream parses an upstream resolver address. The port defaults to 53.
func ParseUpstream(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("upstream %q: %w", s, err)
	}
	return netip.AddrPortFrom(addr, 53), nil
}
