package bff

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/bff/httperr"
	"github.com/openidx/sessiongate/internal/bff/login"
	apperrors "github.com/openidx/sessiongate/internal/common/errors"
	"github.com/openidx/sessiongate/internal/common/logger"
	"github.com/openidx/sessiongate/internal/metrics"
	"github.com/openidx/sessiongate/internal/session"
)

const sessionContextKey = "bff_session"

// CurrentSession returns the session the middleware attached to the request
func CurrentSession(c *gin.Context) (*login.Session, bool) {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*login.Session)
	return s, ok && s != nil
}

// loadSession resolves the session cookie. A missing, expired or unreadable
// session yields nil with no error; only store failures are returned.
func (s *Service) loadSession(c *gin.Context) (*login.Session, string, error) {
	key, ok := s.cookies.Read(c.Request)
	if !ok {
		return nil, "no session cookie", nil
	}

	rec, err := s.store.Get(c.Request.Context(), s.cfg.ApplicationName, key)
	if errors.Is(err, session.ErrNotFound) {
		return nil, "session not found", nil
	}
	if err != nil {
		return nil, "", err
	}
	if rec.Expired(s.now()) {
		return nil, "session expired", nil
	}

	ticket, err := s.protector.Unprotect(rec.Ticket)
	if err != nil {
		s.logger.Warn("Unreadable session ticket", zap.String("subject", rec.SubjectID), zap.Error(err))
		return nil, "session unreadable", nil
	}
	return &login.Session{Key: key, Record: rec, Ticket: ticket}, "", nil
}

// requireSession rejects requests without a live session
func (s *Service) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, reason, err := s.loadSession(c)
		if err != nil {
			s.logger.Error("Session lookup failed", zap.Error(err))
			apperrors.HandleError(c, httperr.FromDomain(err))
			return
		}
		if cur == nil {
			if _, err := c.Cookie(s.cookies.Name()); err == nil {
				s.cookies.Clear(c.Writer)
			}
			s.audit.LogSessionRejected("", reason, c.ClientIP())
			apperrors.HandleError(c, apperrors.AuthenticationRequired(reason))
			return
		}

		s.attach(c, cur)
		c.Next()
	}
}

// optionalSession attaches the session when there is one
func (s *Service) optionalSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, _, err := s.loadSession(c)
		if err != nil {
			s.logger.Warn("Session lookup failed", zap.Error(err))
		}
		if cur != nil {
			s.attach(c, cur)
		}
		c.Next()
	}
}

func (s *Service) attach(c *gin.Context, cur *login.Session) {
	if s.cfg.Sliding {
		s.slide(c, cur)
	}
	c.Set(sessionContextKey, cur)
	c.Set(logger.SubjectKey, cur.Record.SubjectID)
}

// slide moves the expiry forward once less than half the lifetime remains
func (s *Service) slide(c *gin.Context, cur *login.Session) {
	lifetime := s.orchestrator.Lifetime()
	now := s.now()
	if cur.Record.Expires.Sub(now) > lifetime/2 {
		return
	}

	expires := now.Add(lifetime)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.tokens.Renew(ctx, cur.Key, expires); err != nil {
		s.logger.Warn("Session renewal failed", zap.String("subject", cur.Record.SubjectID), zap.Error(err))
		return
	}
	if err := s.cookies.Write(c.Writer, cur.Key, expires); err != nil {
		s.logger.Warn("Session cookie rewrite failed", zap.Error(err))
		return
	}
	cur.Record.Expires = expires
	cur.Record.Renewed = now
	metrics.RecordSessionEvent("renewed")
}
