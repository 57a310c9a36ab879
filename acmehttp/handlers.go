package acmehttp

import (
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/certkiln/certkiln/acme"
	"github.com/certkiln/certkiln/provisioner"
)

func (s *Server) handleDirectory(c echo.Context) error {
	prov, err := s.provisionerFor(c)
	if err != nil {
		return err
	}

	base := s.provisionerBase(prov)
	meta := map[string]any{}
	if prov.Meta.TermsOfService != "" {
		meta["termsOfService"] = prov.Meta.TermsOfService
	}
	if prov.Meta.Website != "" {
		meta["website"] = prov.Meta.Website
	}

	return c.JSON(http.StatusOK, map[string]any{
		"newNonce":   base + "/new-nonce",
		"newAccount": base + "/new-account",
		"newOrder":   base + "/new-order",
		"revokeCert": base + "/revoke-cert",
		"keyChange":  base + "/key-change",
		"meta":       meta,
	})
}

func (s *Server) handleNewNonce(c echo.Context) error {
	// Replay-Nonce is set by the middleware; HEAD gets 200, GET 204
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusNoContent)
}

type newAccountPayload struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

func (s *Server) handleNewAccount(c echo.Context) error {
	req, err := s.authenticateNewAccount(c)
	if err != nil {
		return err
	}

	var payload newAccountPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return acme.ProblemMalformed("could not parse new-account payload")
	}
	for _, contact := range payload.Contact {
		if !strings.HasPrefix(contact, "mailto:") {
			return acme.ProblemMalformed(fmt.Sprintf("unsupported contact scheme in %q", contact))
		}
	}

	account, created, err := s.engine.NewAccount(c.Request().Context(), req.jwk, payload.Contact, payload.OnlyReturnExisting)
	if err != nil {
		return err
	}

	c.Response().Header().Set("Location", s.accountURL(req.prov, account.ID))
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, s.accountDoc(req.prov, account))
}

type accountUpdatePayload struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
}

func (s *Server) handleAccount(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if req.account.ID != c.Param("id") {
		return acme.ProblemUnauthorized("request signed by a different account")
	}

	if isPostAsGet(req.payload) {
		return c.JSON(http.StatusOK, s.accountDoc(req.prov, req.account))
	}

	var payload accountUpdatePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return acme.ProblemMalformed("could not parse account update payload")
	}
	if payload.Status == acme.StatusDeactivated {
		account, err := s.engine.DeactivateAccount(c.Request().Context(), req.account.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, s.accountDoc(req.prov, account))
	}
	if payload.Status != "" {
		return acme.ProblemMalformed("account status can only be set to deactivated")
	}
	return c.JSON(http.StatusOK, s.accountDoc(req.prov, req.account))
}

type newOrderPayload struct {
	Identifiers []acme.Identifier `json:"identifiers"`
}

func (s *Server) handleNewOrder(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var payload newOrderPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return acme.ProblemMalformed("could not parse new-order payload")
	}

	order, _, err := s.engine.NewOrder(c.Request().Context(), req.prov, req.account, payload.Identifiers)
	if err != nil {
		return err
	}

	c.Response().Header().Set("Location", s.orderURL(req.prov, order.ID))
	return c.JSON(http.StatusCreated, s.orderDoc(req.prov, order))
}

func (s *Server) handleOrder(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if !isPostAsGet(req.payload) {
		return acme.ProblemMalformed("order fetch must be POST-as-GET")
	}

	order, err := s.engine.Order(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if order.AccountID != req.account.ID {
		return acme.ProblemUnauthorized("order does not belong to this account")
	}
	return c.JSON(http.StatusOK, s.orderDoc(req.prov, order))
}

type finalizePayload struct {
	CSR string `json:"csr"`
}

func (s *Server) handleFinalize(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var payload finalizePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return acme.ProblemMalformed("could not parse finalize payload")
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return acme.ProblemBadCSR("csr is not valid base64url")
	}

	order, err := s.engine.Finalize(c.Request().Context(), req.prov, req.account, c.Param("id"), csrDER)
	if err != nil {
		return err
	}

	c.Response().Header().Set("Location", s.orderURL(req.prov, order.ID))
	return c.JSON(http.StatusOK, s.orderDoc(req.prov, order))
}

func (s *Server) handleAuthorization(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if !isPostAsGet(req.payload) {
		return acme.ProblemMalformed("authorization fetch must be POST-as-GET")
	}

	authz, err := s.engine.Authorization(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	order, err := s.engine.Order(c.Request().Context(), authz.OrderID)
	if err != nil {
		return err
	}
	if order.AccountID != req.account.ID {
		return acme.ProblemUnauthorized("authorization does not belong to this account")
	}
	return c.JSON(http.StatusOK, s.authzDoc(req.prov, authz))
}

func (s *Server) handleChallenge(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}

	// POST with {} triggers validation; POST-as-GET polls current state
	if isPostAsGet(req.payload) {
		challenge, authz, err := s.engine.Challenge(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		order, err := s.engine.Order(c.Request().Context(), authz.OrderID)
		if err != nil {
			return err
		}
		if order.AccountID != req.account.ID {
			return acme.ProblemUnauthorized("challenge does not belong to this account")
		}
		c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"up\"", s.authzURL(req.prov, authz.ID)))
		return c.JSON(http.StatusOK, s.challengeDoc(req.prov, challenge))
	}

	challenge, authz, err := s.engine.TriggerChallenge(c.Request().Context(), req.prov, req.account, c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"up\"", s.authzURL(req.prov, authz.ID)))
	return c.JSON(http.StatusOK, s.challengeDoc(req.prov, challenge))
}

func (s *Server) handleCertificate(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if !isPostAsGet(req.payload) {
		return acme.ProblemMalformed("certificate fetch must be POST-as-GET")
	}

	chain, err := s.engine.CertificateChain(c.Request().Context(), req.account, c.Param("id"))
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", chain)
}

type revokePayload struct {
	Certificate string `json:"certificate"`
	Reason      int    `json:"reason"`
}

func (s *Server) handleRevokeCert(c echo.Context) error {
	req, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var payload revokePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return acme.ProblemMalformed("could not parse revoke-cert payload")
	}
	certDER, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return acme.ProblemMalformed("certificate is not valid base64url")
	}

	if err := s.engine.Revoke(c.Request().Context(), req.prov, req.account, certDER, payload.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleKeyChange(c echo.Context) error {
	// Outer JWS still authenticates and burns a nonce before the 501
	if _, err := s.authenticate(c); err != nil {
		return err
	}
	return c.JSON(http.StatusNotImplemented, &acme.Problem{
		Type:   "urn:ietf:params:acme:error:malformed",
		Detail: "account key rollover is not supported",
		Status: http.StatusNotImplemented,
	})
}

func (s *Server) handleCRL(c echo.Context) error {
	prov, err := s.provisionerFor(c)
	if err != nil {
		return err
	}
	der, err := s.crls.Get(c.Request().Context(), prov.Name)
	if err != nil {
		return fmt.Errorf("error in crls.Get: %w", err)
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", der)
}

func (s *Server) handleRoot(c echo.Context) error {
	if _, err := s.provisionerFor(c); err != nil {
		return err
	}
	root := s.mgr.Root().Certificate()
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", pemBytes)
}

// URL builders. Every resource URL is absolute so it can double as a JWS kid
// or Location header.

func (s *Server) provisionerBase(prov *provisioner.Provisioner) string {
	return fmt.Sprintf("%s/acme/%s", s.baseURL, prov.Name)
}

func (s *Server) accountURL(prov *provisioner.Provisioner, id string) string {
	return s.provisionerBase(prov) + "/account/" + id
}

func (s *Server) orderURL(prov *provisioner.Provisioner, id string) string {
	return s.provisionerBase(prov) + "/order/" + id
}

func (s *Server) authzURL(prov *provisioner.Provisioner, id string) string {
	return s.provisionerBase(prov) + "/authz/" + id
}

func (s *Server) challengeURL(prov *provisioner.Provisioner, id string) string {
	return s.provisionerBase(prov) + "/challenge/" + id
}

func (s *Server) accountDoc(prov *provisioner.Provisioner, account *acme.Account) map[string]any {
	return map[string]any{
		"status":    account.Status,
		"contact":   account.Contact,
		"createdAt": account.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) orderDoc(prov *provisioner.Provisioner, order *acme.Order) map[string]any {
	authzURLs := make([]string, 0, len(order.AuthzIDs))
	for _, id := range order.AuthzIDs {
		authzURLs = append(authzURLs, s.authzURL(prov, id))
	}
	doc := map[string]any{
		"status":         order.Status,
		"expires":        order.Expires.Format(time.RFC3339),
		"identifiers":    order.Identifiers,
		"authorizations": authzURLs,
		"finalize":       s.orderURL(prov, order.ID) + "/finalize",
	}
	if order.Status == acme.StatusValid {
		doc["certificate"] = s.provisionerBase(prov) + "/certificate/" + order.ID
	}
	if order.Error != nil {
		doc["error"] = order.Error
	}
	return doc
}

func (s *Server) authzDoc(prov *provisioner.Provisioner, authz *acme.Authorization) map[string]any {
	challenges := make([]map[string]any, 0, len(authz.Challenges))
	for _, challenge := range authz.Challenges {
		challenges = append(challenges, s.challengeDoc(prov, challenge))
	}
	// Wildcard authorizations carry the base name plus the wildcard flag
	identifier := authz.Identifier
	identifier.Value = strings.TrimPrefix(identifier.Value, "*.")

	doc := map[string]any{
		"identifier": identifier,
		"status":     authz.Status,
		"expires":    authz.Expires.Format(time.RFC3339),
		"challenges": challenges,
	}
	if authz.Wildcard {
		doc["wildcard"] = true
	}
	return doc
}

func (s *Server) challengeDoc(prov *provisioner.Provisioner, challenge *acme.Challenge) map[string]any {
	doc := map[string]any{
		"type":   challenge.Type,
		"url":    s.challengeURL(prov, challenge.ID),
		"status": challenge.Status,
		"token":  challenge.Token,
	}
	if challenge.ValidatedAt != nil {
		doc["validated"] = challenge.ValidatedAt.Format(time.RFC3339)
	}
	if challenge.Error != nil {
		doc["error"] = challenge.Error
	}
	return doc
}
