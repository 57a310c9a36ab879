package acmehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v3"
	"github.com/labstack/echo/v4"

	"github.com/certkiln/certkiln/acme"
	"github.com/certkiln/certkiln/gologger"
	"github.com/certkiln/certkiln/jws"
	"github.com/certkiln/certkiln/nonce"
	"github.com/certkiln/certkiln/provisioner"
	"github.com/certkiln/certkiln/scheduler"
)

var logger = gologger.NewLogger()

const maxRequestBody = 256 * 1024

// Server is the ACME front door. Every mutating endpoint authenticates a JWS
// envelope, consumes its replay nonce, and hands the verified payload to the
// engine; the server itself holds no entity state.
type Server struct {
	Echo *echo.Echo

	engine  *acme.Engine
	nonces  nonce.Manager
	mgr     *provisioner.Manager
	crls    *scheduler.CRLCache
	baseURL string
}

func NewServer(engine *acme.Engine, nonces nonce.Manager, mgr *provisioner.Manager, crls *scheduler.CRLCache, baseURL string) *Server {
	s := &Server{
		Echo:    echo.New(),
		engine:  engine,
		nonces:  nonces,
		mgr:     mgr,
		crls:    crls,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.HTTPErrorHandler = s.errorHandler
	s.Echo.Use(s.replayNonceMiddleware)

	g := s.Echo.Group("/acme/:provisioner")
	g.GET("/directory", s.handleDirectory)
	g.HEAD("/new-nonce", s.handleNewNonce)
	g.GET("/new-nonce", s.handleNewNonce)
	g.POST("/new-account", s.handleNewAccount)
	g.POST("/account/:id", s.handleAccount)
	g.POST("/new-order", s.handleNewOrder)
	g.POST("/order/:id", s.handleOrder)
	g.POST("/order/:id/finalize", s.handleFinalize)
	g.POST("/authz/:id", s.handleAuthorization)
	g.POST("/challenge/:id", s.handleChallenge)
	g.POST("/certificate/:id", s.handleCertificate)
	g.POST("/revoke-cert", s.handleRevokeCert)
	g.POST("/key-change", s.handleKeyChange)
	g.GET("/crl", s.handleCRL)
	g.GET("/root", s.handleRoot)

	return s
}

func (s *Server) Start(addr string) error {
	logger.Info().Str("addr", addr).Msg("starting ACME server")
	err := s.Echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("error in echo.Start: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

// errorHandler renders every handler error as an RFC 7807 problem document.
// Unexpected errors are logged and collapse to serverInternal.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		// Router-level errors (404, 405) stay plain
		if jsonErr := c.JSON(httpErr.Code, map[string]any{"detail": fmt.Sprint(httpErr.Message)}); jsonErr != nil {
			logger.Error().Err(jsonErr).Msg("error writing router error response")
		}
		return
	}

	problem := acme.AsProblem(err)
	if problem.Type == "urn:ietf:params:acme:error:serverInternal" {
		logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if jsonErr := c.JSON(problem.Status, problem); jsonErr != nil {
		logger.Error().Err(jsonErr).Msg("error writing problem response")
	}
}

// replayNonceMiddleware stamps a fresh Replay-Nonce on every response to a
// POST or new-nonce request, per RFC 8555 section 6.5.
func (s *Server) replayNonceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if req.Method == http.MethodPost || strings.HasSuffix(req.URL.Path, "/new-nonce") {
			token, err := s.nonces.Issue(req.Context())
			if err != nil {
				return fmt.Errorf("error in nonces.Issue: %w", err)
			}
			c.Response().Header().Set("Replay-Nonce", token)
			c.Response().Header().Set("Cache-Control", "no-store")
		}
		return next(c)
	}
}

// authedRequest is a verified ACME POST: the signing account (nil for
// new-account class requests), the decoded payload, and the provisioner the
// request is scoped to.
type authedRequest struct {
	prov    *provisioner.Provisioner
	account *acme.Account
	payload []byte

	// Set for new-account requests, where the key is not on file yet
	jwk *jose.JSONWebKey
}

func (s *Server) provisionerFor(c echo.Context) (*provisioner.Provisioner, error) {
	name := c.Param("provisioner")
	prov, ok := s.mgr.Get(name)
	if !ok {
		return nil, acme.ProblemMalformed(fmt.Sprintf("unknown provisioner %q", name))
	}
	return prov, nil
}

// parseJWS reads the body, parses the envelope, consumes the nonce and checks
// the url binding. Signature verification is the caller's job since the key
// source differs between new-account and kid-bound endpoints.
func (s *Server) parseJWS(c echo.Context) (*jws.Request, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return nil, acme.ProblemMalformed("could not read request body")
	}

	req, err := jws.ParseRequest(body)
	if err != nil {
		if errors.Is(err, jws.ErrBadAlgorithm) {
			return nil, acme.ProblemBadSignatureAlgorithm(err.Error())
		}
		return nil, acme.ProblemMalformed(err.Error())
	}

	ok, err := s.nonces.Consume(c.Request().Context(), req.Nonce)
	if err != nil {
		return nil, fmt.Errorf("error in nonces.Consume: %w", err)
	}
	if !ok {
		return nil, acme.ProblemBadNonce("nonce is unknown, expired or already used")
	}

	if err := req.CheckURL(s.baseURL + c.Request().URL.Path); err != nil {
		return nil, acme.ProblemMalformed(err.Error())
	}
	return req, nil
}

// authenticate verifies a kid-bound request against the account's on-file key.
func (s *Server) authenticate(c echo.Context) (*authedRequest, error) {
	prov, err := s.provisionerFor(c)
	if err != nil {
		return nil, err
	}
	req, err := s.parseJWS(c)
	if err != nil {
		return nil, err
	}

	accountID, err := s.accountIDFromKID(prov, req.KeyID)
	if err != nil {
		return nil, err
	}
	account, err := s.engine.ValidAccount(c.Request().Context(), accountID)
	if err != nil {
		return nil, err
	}

	payload, err := req.VerifyWithKey(account.Key)
	if err != nil {
		return nil, verificationProblem(err)
	}
	return &authedRequest{prov: prov, account: account, payload: payload}, nil
}

// verificationProblem distinguishes a signature that does not verify
// (unauthorized) from a structurally unusable envelope (malformed).
func verificationProblem(err error) *acme.Problem {
	if errors.Is(err, jws.ErrBadSignature) {
		return acme.ProblemUnauthorized(err.Error())
	}
	return acme.ProblemMalformed(err.Error())
}

// authenticateNewAccount verifies a request signed with an embedded jwk.
func (s *Server) authenticateNewAccount(c echo.Context) (*authedRequest, error) {
	prov, err := s.provisionerFor(c)
	if err != nil {
		return nil, err
	}
	req, err := s.parseJWS(c)
	if err != nil {
		return nil, err
	}

	payload, err := req.VerifyWithEmbeddedJWK()
	if err != nil {
		return nil, verificationProblem(err)
	}
	return &authedRequest{prov: prov, payload: payload, jwk: req.EmbeddedJWK}, nil
}

func (s *Server) accountIDFromKID(prov *provisioner.Provisioner, kid string) (string, error) {
	prefix := s.accountURL(prov, "")
	if !strings.HasPrefix(kid, prefix) || kid == prefix {
		return "", acme.ProblemMalformed("kid is not an account URL of this server")
	}
	return strings.TrimPrefix(kid, prefix), nil
}

// isPostAsGet reports whether the payload is the empty string RFC 8555
// section 6.3 prescribes for fetch-over-POST.
func isPostAsGet(payload []byte) bool {
	return len(payload) == 0
}
