package api

import (
	"github.com/labstack/echo/v4"

	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/publisher"
)

const (
	headerAPIKey   = "X-API-Key"
	headerAdminKey = "X-Admin-Key"

	ctxPublisher = "publisher"
)

// publisherAuth resolves the tenant from the api key header and stashes
// the publisher row on the request context. Suspended and inactive
// tenants are rejected.
func (s *Server) publisherAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(headerAPIKey)
		if key == "" {
			return respondError(c, common.ErrAuthRequired("missing "+headerAPIKey+" header"))
		}

		pub, err := s.ledger.GetByAPIKey(c.Request().Context(), key)
		if err != nil {
			return respondError(c, common.ErrAuthRequired("invalid api key"))
		}
		if pub.Status != publisher.StatusActive && pub.Status != publisher.StatusTrial {
			return respondError(c, common.ErrAuthRequired("publisher is "+pub.Status))
		}

		c.Set(ctxPublisher, pub)
		return next(c)
	}
}

// adminAuth guards operator endpoints with the static admin key. An
// empty configured key disables the admin surface entirely.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminKey == "" {
			return respondError(c, common.ErrAuthRequired("admin api is not configured"))
		}
		if c.Request().Header.Get(headerAdminKey) != s.adminKey {
			return respondError(c, common.ErrAuthRequired("missing or invalid "+headerAdminKey+" header"))
		}
		return next(c)
	}
}

func currentPublisher(c echo.Context) *publisher.Publisher {
	pub, _ := c.Get(ctxPublisher).(*publisher.Publisher)
	return pub
}

// normalizeOwnedURL normalizes the blog URL and verifies it belongs to
// the authenticated publisher's domain, exact or as a subdomain.
func normalizeOwnedURL(pub *publisher.Publisher, raw string) (string, error) {
	if raw == "" {
		return "", common.ErrValidation("blog_url is required", "blog_url")
	}
	url, err := common.NormalizeURL(raw)
	if err != nil {
		return "", common.ErrValidation(err.Error(), "blog_url")
	}
	domain, err := common.DomainOfURL(url)
	if err != nil {
		return "", common.ErrValidation(err.Error(), "blog_url")
	}
	if !common.DomainMatches(domain, pub.Domain) {
		return "", common.ErrDomainMismatch("url domain " + domain + " does not belong to publisher domain " + pub.Domain)
	}
	return url, nil
}
