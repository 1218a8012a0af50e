// Package gatebot contains the version number and shared defaults of gatebot.
package gatebot

import "time"

// Version is the current version of gatebot.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// DefaultCaptchaTTL is how long a user has to answer a challenge.
const DefaultCaptchaTTL = 120 * time.Second

// DefaultInviteTTL is how long a minted invite link stays valid.
const DefaultInviteTTL = 5 * time.Minute

// DefaultInviteUses is the member limit requested for every invite link.
const DefaultInviteUses = 1

// DefaultRetentionGrace is how long an expired challenge may linger in the
// store before the backend is allowed to reclaim it.
const DefaultRetentionGrace = 5 * time.Minute

// MinRetentionGrace is the shortest retention grace accepted. Within the
// grace an answer to a timed out challenge is still recognized as late
// instead of being mistaken for no challenge at all.
const MinRetentionGrace = time.Second

// StartPayload is the deep-link payload (t.me/<bot>?start=<payload>) that
// skips the landing button and issues a challenge immediately.
const StartPayload = "service"

// CallbackPrefix prefixes the callback data of every answer button.
const CallbackPrefix = "cap:"

// ForcedLanguage overrides the language reported by Telegram clients when set.
var ForcedLanguage = ""
