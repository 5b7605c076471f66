package fetcher

import (
	"bytes"
	"net/http"
	"strings"
)

type blockDetector func(status int, headers http.Header, body []byte) (string, bool)

var blockDetectors = []blockDetector{
	detectCloudflare,
	detectAkamai,
	detectDataDome,
	detectPerimeterX,
	detectCaptcha,
	detectThrottled,
}

// DetectBlock reports whether the response is a bot-defense challenge or
// block, and names the defense that produced it.
func DetectBlock(status int, headers http.Header, body []byte) (string, bool) {
	if headers == nil {
		headers = http.Header{}
	}
	for _, detect := range blockDetectors {
		if source, ok := detect(status, headers, body); ok {
			return source, true
		}
	}
	return "", false
}

func serverHeader(h http.Header) string {
	return strings.ToLower(h.Get("Server"))
}

func containsAny(body []byte, needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(body, []byte(n)) {
			return true
		}
	}
	return false
}

func detectCloudflare(status int, h http.Header, body []byte) (string, bool) {
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return "", false
	}
	if strings.Contains(serverHeader(h), "cloudflare") ||
		containsAny(body, "cf-browser-verification", "cf-turnstile", "Attention Required! | Cloudflare") {
		return "cloudflare", true
	}
	return "", false
}

func detectAkamai(status int, h http.Header, body []byte) (string, bool) {
	if status != http.StatusForbidden {
		return "", false
	}
	if strings.Contains(serverHeader(h), "akamai") ||
		(bytes.Contains(body, []byte("Reference #")) && bytes.Contains(body, []byte("Access Denied"))) {
		return "akamai", true
	}
	return "", false
}

func detectDataDome(status int, h http.Header, body []byte) (string, bool) {
	if status != http.StatusForbidden {
		return "", false
	}
	if strings.Contains(serverHeader(h), "datadome") || h.Get("X-DataDome") != "" ||
		h.Get("X-DataDome-Response") != "" || containsAny(body, "geo.captcha-delivery.com", "datadome") {
		return "datadome", true
	}
	return "", false
}

func detectPerimeterX(status int, h http.Header, body []byte) (string, bool) {
	if status != http.StatusForbidden {
		return "", false
	}
	if h.Get("X-Px-Captcha") != "" || containsAny(body, "client.perimeterx.net", "px-captcha", "_pxBlock") {
		return "perimeterx", true
	}
	return "", false
}

// detectCaptcha catches interstitials served with a 200.
func detectCaptcha(_ int, _ http.Header, body []byte) (string, bool) {
	if containsAny(body, "g-recaptcha", "h-captcha", "captcha-delivery", "cf-challenge") {
		return "captcha", true
	}
	return "", false
}

func detectThrottled(status int, _ http.Header, _ []byte) (string, bool) {
	switch status {
	case http.StatusTooManyRequests:
		return "rate-limited", true
	case http.StatusForbidden:
		return "forbidden", true
	}
	return "", false
}
