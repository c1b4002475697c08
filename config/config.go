// parlor/config/config.go
package config

const (
	AppVersion = "0.4-beta"

	// Fixed identities
	SystemAuthor   = "system"
	DefaultFounder = "founder"

	// Form & Message Limits
	MaxUsernameLen = 32
	MaxBodyLen     = 4000
	MaxEmojiLen    = 16
	MaxReasonLen   = 500

	// Avatar Upload Limits
	MaxAvatarSize = 2 * 1024 * 1024 // 2MB
	AvatarSize    = 256

	// Paging Defaults
	DefaultSearchLimit = 50
	MaxSearchLimit     = 200
	DefaultStatsDays   = 10

	// Rate Limiting Defaults
	DefaultRateLimitEvery  = "2s"
	DefaultRateLimitBurst  = 5
	DefaultRateLimitPrune  = "1h"
	DefaultRateLimitExpire = "24h"

	// Session & Policy Defaults
	DefaultSessionTTL    = "12h"
	DefaultTrafficWindow = "1m"
	DefaultDeletePolicy  = "author_or_admin"
)
