package service

import (
	"regexp"
	"strings"

	"github.com/sakif/channel-lifecycle/internal/model"
)

var (
	e164Pattern      = regexp.MustCompile(`^\+\d+$`)
	smsGatewayOrBare = regexp.MustCompile(`^(\d+)(@.+)?$`)
)

// E164Representation normalizes an SMS path to E.164.
//
//	"+15551234567"          → "+15551234567"
//	"5551234567"            → "+<cc>5551234567"
//	"5551234567@txt.att.net" → "+<cc>5551234567"
//
// Anything else has no representation and ok is false.
func E164Representation(path, countryCode string) (string, bool) {
	path = strings.TrimSpace(path)
	if e164Pattern.MatchString(path) {
		return path, true
	}
	if m := smsGatewayOrBare.FindStringSubmatch(path); m != nil {
		return "+" + countryCode + m[1], true
	}
	return "", false
}

// E164Representation uses the service's default country code.
func (s *ChannelService) E164Representation(path string) (string, bool) {
	return E164Representation(path, s.config.DefaultCountryCode)
}

// OTPImpaired reports whether one-time passwords are unlikely to reach ch:
// an SMS channel outside the default country, or with no E.164 form at all.
func (s *ChannelService) OTPImpaired(ch *model.Channel) bool {
	if ch.PathType != model.PathSMS {
		return false
	}
	e164, ok := s.E164Representation(ch.Path)
	if !ok {
		return true
	}
	return !strings.HasPrefix(e164, "+"+s.config.DefaultCountryCode)
}
