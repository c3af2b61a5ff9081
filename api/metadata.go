package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// handlePublisherMetadata returns the widget sub-config for the
// authenticated publisher. When an ad variation is requested, only that
// variation's sub-record is populated; the rest come back null so the
// widget payload stays small.
func (s *Server) handlePublisherMetadata(c echo.Context) error {
	pub := currentPublisher(c)

	if raw := c.QueryParam("blog_url"); raw != "" {
		if _, err := normalizeOwnedURL(pub, raw); err != nil {
			return respondError(c, err)
		}
	}

	widget := map[string]interface{}{}
	for k, v := range pub.Config.Widget {
		widget[k] = v
	}

	if requested := c.QueryParam("adVariation"); requested != "" {
		if variations, ok := widget["ad_variations"].(map[string]interface{}); ok {
			filtered := make(map[string]interface{}, len(variations))
			for name := range variations {
				if name == requested {
					filtered[name] = variations[name]
				} else {
					filtered[name] = nil
				}
			}
			widget["ad_variations"] = filtered
		}
	}

	return respond(c, http.StatusOK, "publisher metadata", map[string]interface{}{
		"publisher_id": pub.ID,
		"domain":       pub.Domain,
		"widget":       widget,
	})
}
