package auth

import (
	"errors"
	"os/exec"
	"runtime"
)

const keychainService = "Claude Code-credentials"

var errKeychainUnavailable = errors.New("keychain not available on this platform")

// readKeychain queries the macOS Keychain for the vendor CLI's stored
// credential. On other platforms it reports unavailability so the caller
// moves on to the next source.
func readKeychain() (*Credential, error) {
	if runtime.GOOS != "darwin" {
		return nil, errKeychainUnavailable
	}

	out, err := exec.Command("security", "find-generic-password", "-s", keychainService, "-w").Output()
	if err != nil {
		return nil, err
	}

	return parseCredentialJSON(out)
}
