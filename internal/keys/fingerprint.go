package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strings"
	"time"
)

// DeviceInfo lists the attributes mixed into a device fingerprint.
type DeviceInfo struct {
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	Locale     string `json:"locale"`
	Timezone   string `json:"timezone"`
	Screen     string `json:"screen"`
	AppVersion string `json:"app_version"`
}

// CurrentDevice describes the host the daemon runs on. Headless hosts have
// no screen, so Screen is fixed.
func CurrentDevice(appVersion string) DeviceInfo {
	host, _ := os.Hostname()
	locale := os.Getenv("LC_ALL")
	if locale == "" {
		locale = os.Getenv("LANG")
	}
	zone, _ := time.Now().Zone()
	return DeviceInfo{
		Model:      host + "/" + runtime.GOARCH,
		OSVersion:  runtime.GOOS,
		Locale:     locale,
		Timezone:   time.Local.String() + "/" + zone,
		Screen:     "headless",
		AppVersion: appVersion,
	}
}

// Fingerprint returns hex(SHA-256) over the device attributes and the
// persisted nonce.
func Fingerprint(info DeviceInfo, nonce string) string {
	parts := []string{
		info.Model, info.OSVersion, info.Locale, info.Timezone,
		info.Screen, info.AppVersion, nonce,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
