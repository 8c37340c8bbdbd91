package bff

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/bff/httperr"
	"github.com/openidx/sessiongate/internal/bff/login"
	"github.com/openidx/sessiongate/internal/claims"
	apperrors "github.com/openidx/sessiongate/internal/common/errors"
)

// ---- Session endpoints ----

func (s *Service) handleClaims(c *gin.Context) {
	cur, _ := CurrentSession(c)
	c.JSON(http.StatusOK, claims.UserClaims(cur.Ticket.Principal, cur.Ticket.Properties))
}

func (s *Service) handleManagementClaims(c *gin.Context) {
	cur, _ := CurrentSession(c)
	c.JSON(http.StatusOK, claims.ManagementClaims(s.cfg.PathBase, cur.Ticket.Principal, cur.Ticket.Properties, claims.SessionInfo{
		Expires: cur.Record.Expires,
		Now:     s.now(),
	}))
}

// handleProfile is the built-in local API: who the session belongs to
func (s *Service) handleProfile(c *gin.Context) {
	cur, _ := CurrentSession(c)
	c.JSON(http.StatusOK, gin.H{
		"subject": cur.Record.SubjectID,
		"claims":  claims.UserClaims(cur.Ticket.Principal, cur.Ticket.Properties),
		"expires": cur.Record.Expires,
	})
}

// ---- Remote API ----

func (s *Service) handleRemote(c *gin.Context) {
	cur, _ := CurrentSession(c)
	s.dispatcher.Serve(c, c.Param("api"), cur.Key, c.Param("path"))
}

// ---- Login flow ----

func (s *Service) handleLogin(c *gin.Context) {
	redirect, err := s.orchestrator.Login(c.Request.Context(), c.Query("returnUrl"))
	if err != nil {
		apperrors.HandleError(c, httperr.FromDomain(err))
		return
	}
	c.Redirect(http.StatusFound, redirect)
}

func (s *Service) handleSignIn(c *gin.Context) {
	cur, _ := CurrentSession(c)

	res, err := s.orchestrator.Complete(c.Request.Context(), c.Request.URL.Query(), cur)
	if err != nil {
		s.audit.LogLoginFailure(c.ClientIP(), c.Request.UserAgent(), err.Error())
		apperrors.HandleError(c, httperr.FromDomain(err))
		return
	}

	if err := s.cookies.Write(c.Writer, res.Key, res.Expires); err != nil {
		s.logger.Error("Failed to write session cookie", zap.Error(err))
		apperrors.HandleError(c, apperrors.Internal("Failed to establish session", err))
		return
	}

	subject, sid := "", ""
	if rec, err := s.store.Get(c.Request.Context(), s.cfg.ApplicationName, res.Key); err == nil {
		subject, sid = rec.SubjectID, rec.SessionID
	}
	s.audit.LogLoginSuccess(subject, sid, c.ClientIP(), c.Request.UserAgent())

	c.Redirect(http.StatusFound, res.ReturnURL)
}

func (s *Service) handleLogout(c *gin.Context) {
	cur, _ := CurrentSession(c)

	redirect, err := s.orchestrator.Logout(c.Request.Context(), cur, c.Query("sid"), c.Query("returnUrl"))
	if err != nil {
		apperrors.HandleError(c, httperr.FromDomain(err))
		return
	}

	s.cookies.Clear(c.Writer)
	if cur != nil {
		s.audit.LogLogout(cur.Record.SubjectID, cur.Record.SessionID, c.ClientIP())
	}
	c.Redirect(http.StatusFound, redirect)
}

func (s *Service) handleBackchannelLogout(c *gin.Context) {
	raw := c.PostForm("logout_token")
	if raw == "" {
		s.audit.LogBackchannelLogout("invalid", 0, "missing logout_token")
		apperrors.HandleError(c, apperrors.InvalidLogoutToken(errors.New("logout_token is required")))
		return
	}

	deleted, err := s.orchestrator.BackChannelLogout(c.Request.Context(), raw)
	if err != nil {
		status := "error"
		if errors.Is(err, login.ErrInvalidLogoutToken) {
			status = "invalid"
		} else {
			s.logger.Error("Back-channel logout failed", zap.Error(err))
		}
		s.audit.LogBackchannelLogout(status, 0, err.Error())
		apperrors.HandleError(c, httperr.FromDomain(err))
		return
	}

	s.audit.LogBackchannelLogout("success", deleted, "")
	c.Status(http.StatusOK)
}
