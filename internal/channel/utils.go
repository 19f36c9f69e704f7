package channel

import (
	"unicode/utf8"

	"github.com/keepmind9/imgate/pkg/constants"
)

// maskSecret masks sensitive information for logging
func maskSecret(s string) string {
	if len(s) <= constants.MinSecretLengthForMasking {
		return "***"
	}
	return s[:constants.SecretMaskPrefixLength] + "***" + s[len(s)-constants.SecretMaskSuffixLength:]
}

// maskAppID masks sensitive app ID information for logging
func maskAppID(appID string) string {
	if len(appID) <= constants.MinAppIDLengthForMasking {
		return "***"
	}
	return appID[:constants.AppIDMaskPrefixLength] + "***" + appID[len(appID)-constants.AppIDMaskSuffixLength:]
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
