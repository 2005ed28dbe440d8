// Package handler exposes the registration service over form-encoded HTTP
// POSTs, as spoken by the Sandstorm installer and client.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
	"github.com/sandstorm-io/sandcats/internal/registry/service"
	"go.uber.org/zap"
)

const (
	// DefaultFingerprintHeader carries the client certificate's SHA-1
	// fingerprint, set by the TLS terminator.
	DefaultFingerprintHeader = "X-Client-Certificate-Fingerprint"

	sandHeader = "X-Sand"
	sandValue  = "cats"
)

const (
	msgMustPost    = "Must POST."
	msgNeedSand    = "Your client is misconfigured. You need X-Sand: cats"
	msgUpstream    = "The certificate authority could not issue a certificate. Please try again later."
	msgInternal    = "Internal error. Please try again later."
	fieldHostname  = "rawHostname"
	fieldEmail     = "email"
	fieldRecovery  = "recoveryToken"
	fieldReserved  = "domainReservationToken"
	fieldCSR       = "certificateSigningRequest"
	contentTypeTXT = "text/plain"
)

// RegistrationHandler handles the registry's HTTP endpoints.
type RegistrationHandler struct {
	svc               *service.RegistrationService
	fingerprintHeader string
	logger            *zap.Logger
}

// NewRegistrationHandler creates a new RegistrationHandler.
func NewRegistrationHandler(svc *service.RegistrationService, logger *zap.Logger) *RegistrationHandler {
	return &RegistrationHandler{svc: svc, fingerprintHeader: DefaultFingerprintHeader, logger: logger}
}

// SetFingerprintHeader changes the header the TLS terminator uses for the
// client certificate fingerprint.
func (h *RegistrationHandler) SetFingerprintHeader(name string) {
	if name != "" {
		h.fingerprintHeader = name
	}
}

// Register mounts the endpoints on r. Every path answers any method so
// that non-POST requests get an explanatory 403 instead of a 404.
func (h *RegistrationHandler) Register(r gin.IRouter) {
	keyed := map[string]gin.HandlerFunc{
		"/register":          h.RegisterHostname,
		"/update":            h.Update,
		"/recover":           h.Recover,
		"/registerreserved":  h.RegisterReserved,
		"/sendrecoverytoken": h.SendRecoveryToken,
		"/getcertificate":    h.GetCertificate,
	}
	for path, fn := range keyed {
		r.Any(path, requirePOST(), requireSand(), fn)
	}

	// Reservations come from hosting providers' web pages.
	r.Any("/reserve", cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
	}), requirePOST(), h.Reserve)
}

// ── Middleware ────────────────────────────────────────────────────────────

func requirePOST() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			respond(c, http.StatusForbidden, false, msgMustPost, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func requireSand() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(sandHeader) != sandValue {
			respond(c, http.StatusForbidden, false, msgNeedSand, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// fingerprint returns the normalized client key fingerprint, or "".
func (h *RegistrationHandler) fingerprint(c *gin.Context) string {
	fp := c.GetHeader(h.fingerprintHeader)
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// ── Endpoints ─────────────────────────────────────────────────────────────

// RegisterHostname handles POST /register.
func (h *RegistrationHandler) RegisterHostname(c *gin.Context) {
	_, err := h.svc.Register(c.Request.Context(), service.RegisterRequest{
		Hostname:    c.PostForm(fieldHostname),
		IP:          c.ClientIP(),
		Fingerprint: h.fingerprint(c),
		Email:       c.PostForm(fieldEmail),
	})
	if err != nil {
		h.fail(c, "register", err)
		return
	}
	recordOperation("register", resultOK)
	respond(c, http.StatusOK, true, model.MsgRegistered, nil)
}

// Update handles POST /update.
func (h *RegistrationHandler) Update(c *gin.Context) {
	err := h.svc.Update(c.Request.Context(), c.PostForm(fieldHostname), c.ClientIP(), h.fingerprint(c))
	if err != nil {
		h.fail(c, "update", err)
		return
	}
	recordOperation("update", resultOK)
	respond(c, http.StatusOK, true, model.MsgUpdated, nil)
}

// SendRecoveryToken handles POST /sendrecoverytoken.
func (h *RegistrationHandler) SendRecoveryToken(c *gin.Context) {
	if err := h.svc.RequestRecoveryToken(c.Request.Context(), c.PostForm(fieldHostname)); err != nil {
		h.fail(c, "sendrecoverytoken", err)
		return
	}
	recordOperation("sendrecoverytoken", resultOK)
	respond(c, http.StatusOK, true, model.MsgRecoveryTokenSent, nil)
}

// Recover handles POST /recover. The client follows up with /update to
// move the address.
func (h *RegistrationHandler) Recover(c *gin.Context) {
	err := h.svc.Recover(c.Request.Context(), service.RecoverRequest{
		Hostname:    c.PostForm(fieldHostname),
		Token:       strings.TrimSpace(c.PostForm(fieldRecovery)),
		Fingerprint: h.fingerprint(c),
	})
	if err != nil {
		h.fail(c, "recover", err)
		return
	}
	recordOperation("recover", resultOK)
	respond(c, http.StatusOK, true, model.MsgRecovered, nil)
}

// Reserve handles POST /reserve. The plain-text body is the token itself.
func (h *RegistrationHandler) Reserve(c *gin.Context) {
	token, err := h.svc.Reserve(c.Request.Context(), c.PostForm(fieldHostname), c.PostForm(fieldEmail))
	if err != nil {
		h.fail(c, "reserve", err)
		return
	}
	recordOperation("reserve", resultOK)
	if wantsText(c) {
		c.String(http.StatusOK, token)
		return
	}
	respond(c, http.StatusOK, true, model.MsgReserved, gin.H{"token": token})
}

// RegisterReserved handles POST /registerreserved.
func (h *RegistrationHandler) RegisterReserved(c *gin.Context) {
	_, err := h.svc.RegisterReserved(c.Request.Context(), service.RegisterReservedRequest{
		Hostname:    c.PostForm(fieldHostname),
		Token:       strings.TrimSpace(c.PostForm(fieldReserved)),
		IP:          c.ClientIP(),
		Fingerprint: h.fingerprint(c),
	})
	if err != nil {
		h.fail(c, "registerreserved", err)
		return
	}
	recordOperation("registerreserved", resultOK)
	respond(c, http.StatusOK, true, model.MsgRegistered, nil)
}

// GetCertificate handles POST /getcertificate. The plain-text body is the
// PEM certificate followed by its chain.
func (h *RegistrationHandler) GetCertificate(c *gin.Context) {
	cert, err := h.svc.RequestCertificate(c.Request.Context(), service.CertificateRequest{
		Hostname:    c.PostForm(fieldHostname),
		Fingerprint: h.fingerprint(c),
		CSR:         []byte(c.PostForm(fieldCSR)),
	})
	if err != nil {
		h.fail(c, "getcertificate", err)
		return
	}
	recordOperation("getcertificate", resultOK)
	if wantsText(c) {
		c.String(http.StatusOK, cert.CertPEM+strings.Join(cert.ChainPEM, ""))
		return
	}
	chain := cert.ChainPEM
	if chain == nil {
		chain = []string{}
	}
	respond(c, http.StatusOK, true, model.MsgCertificateIssued, gin.H{
		"cert":      cert.CertPEM,
		"chain":     chain,
		"serial":    cert.Serial,
		"not_after": cert.NotAfter,
	})
}

// ── Responses ─────────────────────────────────────────────────────────────

func wantsText(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), contentTypeTXT)
}

// respond writes {success, text, ...extra} as JSON, or text alone when the
// client asked for text/plain.
func respond(c *gin.Context, status int, success bool, text string, extra gin.H) {
	if wantsText(c) {
		c.String(status, text)
		return
	}
	body := gin.H{"success": success, "text": text}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

// fail maps service errors to responses.
func (h *RegistrationHandler) fail(c *gin.Context, op string, err error) {
	var (
		ve *model.ErrValidation
		ue *model.ErrUnauthorized
		ne *model.ErrNotFound
		up *model.ErrUpstream
	)
	switch {
	case errors.As(err, &ve):
		recordOperation(op, resultRejected)
		respond(c, http.StatusBadRequest, false, ve.Msg, nil)
	case errors.As(err, &ue):
		recordOperation(op, resultRejected)
		status := http.StatusBadRequest
		if ue.Forbidden {
			status = http.StatusForbidden
		}
		respond(c, status, false, ue.Msg, nil)
	case errors.As(err, &ne):
		recordOperation(op, resultRejected)
		respond(c, http.StatusBadRequest, false, ne.Msg, nil)
	case errors.Is(err, model.ErrRateLimited):
		recordOperation(op, resultThrottled)
		respond(c, http.StatusOK, false, model.MsgRecoveryRateLimited, nil)
	case errors.As(err, &up):
		recordOperation(op, resultError)
		h.logger.Error("upstream failure", zap.String("operation", op), zap.Error(err))
		respond(c, http.StatusInternalServerError, false, msgUpstream, nil)
	default:
		recordOperation(op, resultError)
		h.logger.Error("request failed", zap.String("operation", op), zap.Error(err))
		respond(c, http.StatusInternalServerError, false, msgInternal, nil)
	}
}
