package version

import "fmt"

// Build variables set via ldflags during compilation:
// -X 'github.com/pubkeep/pubkeep/pkg/version.Version=v1.0.0'
// -X 'github.com/pubkeep/pubkeep/pkg/version.CommitHash=abc123'
// -X 'github.com/pubkeep/pubkeep/pkg/version.BuildDate=2024-01-01T00:00:00Z'
var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// CommitHash is the git commit the binary was built from.
	CommitHash = "unknown"
	// BuildDate is the RFC3339 build timestamp.
	BuildDate = "unknown"
)

// Info holds build information in a structured format.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildDate  string `json:"build_date"`
}

// Get returns the current build information.
func Get() Info {
	return Info{Version: Version, CommitHash: CommitHash, BuildDate: BuildDate}
}

// UserAgent returns the value sent in User-Agent headers by outbound HTTP
// clients (webhook deliveries, upstream registry fetches).
func UserAgent() string {
	return fmt.Sprintf("pubkeep/%s", Version)
}
