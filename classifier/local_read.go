package classifier

import "strings"

// localAdminVariables is the allowlist of @@-variable reads a gateway can
// answer locally without touching a backend. Kept intentionally small and
// explicit rather than inferred, matching the "administrative introspection
// executable without a backend" carve-out.
var localAdminVariables = []string{
	"@@VERSION_COMMENT",
	"@@VERSION",
	"@@MAX_ALLOWED_PACKET",
	"@@SYSTEM_TIME_ZONE",
	"@@TIME_ZONE",
	"@@AUTOCOMMIT",
	"@@SQL_MODE",
	"@@CHARACTER_SET_CLIENT",
	"@@CHARACTER_SET_CONNECTION",
	"@@CHARACTER_SET_RESULTS",
	"@@COLLATION_CONNECTION",
}

// isLocalAdminSelect reports whether a SELECT's remainder (already
// upper-cased, positioned right after the SELECT keyword) is a bare
// single-variable lookup this gateway can compute without a backend.
func isLocalAdminSelect(selectRemainderUpper string) bool {
	trimmed := strings.TrimSpace(selectRemainderUpper)
	for _, v := range localAdminVariables {
		if trimmed == v {
			return true
		}
	}
	return false
}
