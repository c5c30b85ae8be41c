package service

import (
	"context"
	"net/url"
	"strings"

	"github.com/sakif/channel-lifecycle/internal/model"
)

// TrustPolicy decides whether a confirmation flow for ch may redirect to target.
//
// Policies are registered once at startup (see server.New) and handed to the
// service in Config.TrustPolicies. They must be safe for concurrent use.
type TrustPolicy func(ch *model.Channel, target *url.URL) bool

// HostPolicy trusts https redirects to one of hosts or any of their subdomains.
func HostPolicy(hosts ...string) TrustPolicy {
	allowed := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed = append(allowed, h)
		}
	}
	return func(_ *model.Channel, target *url.URL) bool {
		if target.Scheme != "https" {
			return false
		}
		host := strings.ToLower(target.Hostname())
		for _, h := range allowed {
			if host == h || strings.HasSuffix(host, "."+h) {
				return true
			}
		}
		return false
	}
}

// TrustedRedirect reports whether any registered policy accepts rawURL for the channel.
func (s *ChannelService) TrustedRedirect(ctx context.Context, gid, rawURL string) (bool, error) {
	_, ch, err := s.load(ctx, gid)
	if err != nil {
		return false, err
	}
	return s.trusts(ch, rawURL), nil
}

func (s *ChannelService) trusts(ch *model.Channel, rawURL string) bool {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return false
	}
	for _, policy := range s.config.TrustPolicies {
		if policy(ch, target) {
			return true
		}
	}
	return false
}
