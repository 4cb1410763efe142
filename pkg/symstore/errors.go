package symstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
)

type invalidSignatureError struct {
	signature string
}

func (e invalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature: %q", e.signature)
}

type notFoundError struct {
	signature string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("symbols not found in cloud store: %s", e.signature)
}

type signatureMismatchError struct {
	want string
	got  string
}

func (e signatureMismatchError) Error() string {
	if e.got == "" {
		return fmt.Sprintf("symbol file for %s has no signature", e.want)
	}
	return fmt.Sprintf("symbol file for %s has signature %s", e.want, e.got)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected HTTP status: %d %s", e.statusCode, http.StatusText(e.statusCode))
	}
	return fmt.Sprintf("unexpected HTTP status: %d %s: %s", e.statusCode, http.StatusText(e.statusCode), e.body)
}

// IsNotFound reports whether err is a cloud store miss.
func IsNotFound(err error) bool {
	var nf notFoundError
	return errors.As(err, &nf)
}

func isInvalidSignatureError(err error) bool {
	var e invalidSignatureError
	return errors.As(err, &e)
}

func isSignatureMismatchError(err error) bool {
	var e signatureMismatchError
	return errors.As(err, &e)
}

func isHTTPStatusError(err error) (int, bool) {
	var e httpStatusError
	if errors.As(err, &e) {
		return e.statusCode, true
	}
	return 0, false
}

// isRetryableError determines if a cloud request should be attempted again.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if isInvalidSignatureError(err) || IsNotFound(err) {
		return false
	}
	if statusCode, ok := isHTTPStatusError(err); ok {
		if statusCode == http.StatusTooManyRequests {
			return true
		}
		return statusCode >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		return urlErr.Timeout() || errors.As(err, &opErr)
	}
	return false
}

// IsTransient reports whether err may go away on a later attempt, as opposed
// to a definitive answer such as a missing object or an invalid signature.
func IsTransient(err error) bool {
	if err == nil || IsNotFound(err) || isInvalidSignatureError(err) || isSignatureMismatchError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
