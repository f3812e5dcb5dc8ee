package provision

import (
	"net/url"
	"strings"

	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/models"
)

// resolveLink picks the subscription link for a reconciled row. A link that
// already worked is never regenerated; after that the grant response is
// preferred, then a deterministic fallback under the public base URL. Every
// candidate must be an absolute URI or it is treated as absent.
func (e *Engine) resolveLink(existing *models.Entitlement, panelUser *marzban.User, username string) string {
	var candidates []string
	if existing != nil {
		candidates = append(candidates, existing.SubscriptionLink)
	}
	if panelUser != nil {
		candidates = append(candidates, panelUser.SubscriptionURL)
		for _, l := range panelUser.Links {
			if l != "" {
				candidates = append(candidates, l)
				break
			}
		}
	}
	candidates = append(candidates, e.fallbackLink(username))

	for _, candidate := range candidates {
		if normalized := e.normalizeLink(candidate); normalized != "" {
			return normalized
		}
	}
	return ""
}

func (e *Engine) fallbackLink(username string) string {
	return strings.TrimRight(e.linkBase(), "/") + "/sub/" + username
}

func (e *Engine) linkBase() string {
	if e.cfg.PublicBaseURL != "" {
		return e.cfg.PublicBaseURL
	}
	return e.cfg.MarzbanURL
}

// normalizeLink accepts absolute URIs as-is and resolves root-relative
// paths against the public base URL. Anything else is rejected.
func (e *Engine) normalizeLink(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if u.Scheme != "" && u.Host != "" {
		return link
	}
	if strings.HasPrefix(link, "/") {
		base := strings.TrimRight(e.linkBase(), "/")
		if base == "" {
			return ""
		}
		return base + link
	}
	return ""
}
