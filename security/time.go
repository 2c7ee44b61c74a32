package security

import "time"

// DefaultClockSkewGracePeriod is the tolerated clock difference when checking
// token expiry and issue times.
const DefaultClockSkewGracePeriod = 5 * time.Second
