package token

import (
	"strconv"
	"strings"

	"github.com/giantswarm/oauth-issuer/storage"
)

// LineageID is the jti of a refresh token: a lineage base and the rotation
// counter of the token within the lineage.
type LineageID struct {
	Base    string
	Counter int64
}

// ParseLineageID decodes "base:counter". A missing, unparseable or
// non-positive counter is read as the initial counter, which keeps tokens
// minted without a counter valid.
func ParseLineageID(jti string) LineageID {
	base, raw, found := strings.Cut(jti, ":")
	if !found {
		return LineageID{Base: jti, Counter: storage.InitialRefreshCounter}
	}
	counter, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || counter < storage.InitialRefreshCounter {
		counter = storage.InitialRefreshCounter
	}
	return LineageID{Base: base, Counter: counter}
}

// FormatLineageID encodes a lineage id. The first token of a lineage is the
// plain base.
func FormatLineageID(id LineageID) string {
	if id.Counter <= storage.InitialRefreshCounter {
		return id.Base
	}
	return id.Base + ":" + strconv.FormatInt(id.Counter, 10)
}

// String implements fmt.Stringer.
func (l LineageID) String() string {
	return FormatLineageID(l)
}
