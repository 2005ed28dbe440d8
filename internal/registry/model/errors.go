package model

import "errors"

// ErrValidation is returned by service methods when the caller supplies a
// malformed field. Msg is shown to the user.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// ErrUnauthorized is returned when a fingerprint, hostname or token does not
// match. Forbidden selects 403 over 400 at the HTTP layer.
type ErrUnauthorized struct {
	Msg       string
	Forbidden bool
}

func (e *ErrUnauthorized) Error() string { return e.Msg }

// ErrNotFound is returned when the referenced hostname or reservation does
// not exist.
type ErrNotFound struct{ Msg string }

func (e *ErrNotFound) Error() string { return e.Msg }

// ErrUpstream wraps a certificate authority failure.
type ErrUpstream struct {
	Msg string
	Err error
}

func (e *ErrUpstream) Error() string { return e.Msg + ": " + e.Err.Error() }
func (e *ErrUpstream) Unwrap() error { return e.Err }

// ErrRateLimited is returned when recovery-token requests are throttled.
// Callers report it as a soft success.
var ErrRateLimited = errors.New("recovery token recently sent")

// User-facing messages.
const (
	MsgHostnameTaken       = "This hostname is already in use. Type help if you need to recover access, or pick a new one."
	MsgFingerprintTaken    = "There is already a domain registered with this sandcats key. If you are re-installing, you can skip the Sandcats configuration process."
	MsgBadEmail            = "Please enter a valid email address."
	MsgBadHostname         = "Hostnames must be 1-20 characters: letters, digits, and single hyphens not at either end."
	MsgNoClientCert        = "Your client is misconfigured. You need to provide a client certificate."
	MsgBadIP               = "Your client's IP address could not be determined."
	MsgBadRecoveryToken    = "Bad recovery token."
	MsgNoSuchDomain        = "There is no such domain. You can register it!"
	MsgBadReservation      = "Bad domainReservationToken. If you are an end user, contact your Sandstorm hosting provider."
	MsgNotAuthorized       = "Your key does not match the key on file for this hostname."
	MsgBadCSR              = "Your certificate signing request is invalid or names the wrong host."
	MsgTooManyCerts        = "Too many certificates are currently valid for this hostname. Try again later."
	MsgRegistered          = "Successfully registered!"
	MsgUpdated             = "Successfully updated!"
	MsgRecovered           = "OK! You have recovered your domain. Next we will update your IP address."
	MsgRecoveryTokenSent   = "OK. We have sent a recovery token to the email address on file."
	MsgRecoveryRateLimited = "We recently sent a recovery token to this domain's email address. Please check your inbox or try again in 15 minutes."
	MsgReserved            = "Reserved. Use the token to finish registration."
	MsgCertificateIssued   = "Certificate issued."
)
