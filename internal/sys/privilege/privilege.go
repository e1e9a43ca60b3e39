// Package privilege reports what the current process may sample and keeps
// files created under sudo owned by the user who ran sudo.
//
// perf stat and pidstat are often run through sudo so they can see other
// users' processes. frep then resolves its state directory from the
// original user's home and hands created files back to that user.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// UserContext represents the identity of the original user when running under
// privilege escalation.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// DetectOriginalUser returns the user who invoked sudo, from SUDO_USER,
// SUDO_UID and SUDO_GID, or the current user when not running under sudo.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return currentUser()
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
	}

	return &UserContext{
		Username: sudoUser,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

func currentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &UserContext{
		Username: u.Username,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		HomeDir:  u.HomeDir,
	}, nil
}

// HomeDir returns the original user's home directory.
func HomeDir() (string, error) {
	if !IsRunningUnderSudo() {
		return os.UserHomeDir()
	}
	u, err := DetectOriginalUser()
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// IsRoot reports whether the process runs with euid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo reports whether SUDO_USER is set.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership hands path to the user who invoked sudo. It is a no-op
// unless the process is root and running under sudo.
func FixFileOwnership(path string) error {
	if !IsRoot() || !IsRunningUnderSudo() {
		return nil
	}

	u, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("failed to detect original user: %w", err)
	}
	if err := os.Chown(path, u.UID, u.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, u.UID, u.GID, err)
	}
	return nil
}
