package session

import "strings"

const unknown = "unknown"

// DeviceInfo is the coarse device classification stored with a session.
type DeviceInfo struct {
	DeviceType string
	Browser    string
	OS         string
}

// ParseUserAgent classifies a User-Agent header by substring matching. An empty
// header yields "unknown" for every field.
func ParseUserAgent(ua string) DeviceInfo {
	if strings.TrimSpace(ua) == "" {
		return DeviceInfo{DeviceType: unknown, Browser: unknown, OS: unknown}
	}
	s := strings.ToLower(ua)
	return DeviceInfo{
		DeviceType: deviceType(s),
		Browser:    browser(s),
		OS:         operatingSystem(s),
	}
}

// iPad Safari also sends "Mobile", so tablets are matched first.
func deviceType(s string) string {
	switch {
	case containsAny(s, "tablet", "ipad"):
		return "tablet"
	case containsAny(s, "mobile", "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}

// Edge and Chrome on iOS both carry a Chrome or Safari token; order matters.
func browser(s string) string {
	switch {
	case containsAny(s, "edg/", "edge/", "edga/", "edgios/"):
		return "Edge"
	case containsAny(s, "firefox", "fxios"):
		return "Firefox"
	case containsAny(s, "chrome", "crios"):
		return "Chrome"
	case strings.Contains(s, "safari"):
		return "Safari"
	default:
		return unknown
	}
}

// Mobile platforms are checked before the desktop markers their UAs embed
// ("like Mac OS X", "Linux").
func operatingSystem(s string) string {
	switch {
	case containsAny(s, "iphone", "ipad", "ipod", "ios"):
		return "iOS"
	case strings.Contains(s, "android"):
		return "Android"
	case strings.Contains(s, "windows"):
		return "Windows"
	case strings.Contains(s, "mac"):
		return "macOS"
	case strings.Contains(s, "linux"):
		return "Linux"
	default:
		return unknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
