package system

import (
	"os"
	"os/user"
	"runtime"
)

// HostIdentity names who ran the erasure and where.
type HostIdentity struct {
	Operator string `json:"operator"`
	Hostname string `json:"host"`
	Platform string `json:"platform"`
}

// CurrentPlatform returns the platform the binary runs on.
func CurrentPlatform() (Platform, error) {
	return ParsePlatform(runtime.GOOS)
}

// CurrentHost collects the issuer identity. A non-empty operator overrides
// the login name.
func CurrentHost(operator string) HostIdentity {
	if operator == "" {
		operator = currentUser()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return HostIdentity{
		Operator: operator,
		Hostname: host,
		Platform: runtime.GOOS + "/" + runtime.GOARCH + " " + kernelRelease(),
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, key := range []string{"SUDO_USER", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}
