// Package sentinel implements the upstream anti-automation handshake: the
// SHA3-512 proof-of-work search and the site metadata scrape that feeds the
// browser-fingerprint config vector.
package sentinel

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const (
	answerPrefix       = "gAAAAAB"
	requirementsPrefix = "gAAAAAC"
	fallbackMarker     = "wQ8Lk5FbGpA2NcR9dShT6gYjU7VxZ4D"
	maxIterations      = 500000
)

var (
	coreCounts = []int{8, 16, 24, 32}
	screenSums = []int{1920 + 1080, 2560 + 1440, 1920 + 1200}

	navigatorKeys = []string{
		"registerProtocolHandler−function registerProtocolHandler() { [native code] }",
		"storage−[object StorageManager]",
		"locks−[object LockManager]",
		"appCodeName−Mozilla",
		"appName−Netscape",
		"appVersion−5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		"platform−Win32",
		"product−Gecko",
		"productSub−20030107",
		"vendor−Google Inc.",
		"vendorSub−",
		"oscpu−undefined",
		"language−en-US",
		"onLine−true",
		"cookieEnabled−true",
		"globalPrivacyControl−undefined",
	}

	documentKeys = []string{
		"_reactListeningo743lnnpvdg",
		"location",
		"createElement",
		"createTextNode",
		"createDocumentFragment",
		"getElementById",
		"getElementsByClassName",
		"getElementsByTagName",
		"querySelector",
		"querySelectorAll",
	}

	windowKeys = []string{
		"0", "window", "self", "document", "name", "location", "customElements",
		"history", "navigation", "locationbar", "menubar", "personalbar",
		"scrollbars", "statusbar", "toolbar", "status", "closed", "frames",
		"length", "top", "opener", "parent", "frameElement", "navigator",
		"origin", "external", "screen", "innerWidth", "innerHeight", "scrollX",
		"pageXOffset", "scrollY", "pageYOffset", "visualViewport", "screenX",
		"screenY", "outerWidth", "outerHeight", "devicePixelRatio",
		"clientInformation", "screenLeft", "screenTop", "styleMedia",
		"onsearch", "isSecureContext", "performance", "crypto", "indexedDB",
		"sessionStorage", "localStorage", "onbeforeinput", "onblur", "oncancel",
		"oncanplay", "onchange", "onclick", "onclose", "oncontextmenu",
		"ondblclick", "ondrag", "ondragend", "ondragenter", "ondragleave",
		"ondragover", "ondragstart", "ondrop", "ondurationchange", "onemptied",
		"onended", "onerror", "onfocus", "oninput", "oninvalid", "onkeydown",
		"onkeypress", "onkeyup", "onload", "onloadeddata", "onloadedmetadata",
		"onloadstart", "onmousedown", "onmouseenter", "onmouseleave",
		"onmousemove", "onmouseout", "onmouseover", "onmouseup", "onmousewheel",
		"onpause", "onplay", "onplaying", "onprogress", "onratechange",
		"onreset", "onresize", "onscroll", "onseeked", "onseeking", "onselect",
		"onstalled", "onsubmit", "onsuspend", "ontimeupdate", "ontoggle",
		"onvolumechange", "onwaiting", "onwheel", "onauxclick",
		"onpointerdown", "onpointermove", "onpointerup", "onpointercancel",
		"onpointerover", "onpointerout", "onpointerenter", "onpointerleave",
		"onafterprint", "onbeforeprint", "onbeforeunload", "onhashchange",
		"onlanguagechange", "onmessage", "onmessageerror", "onoffline",
		"ononline", "onpagehide", "onpageshow", "onpopstate",
		"onrejectionhandled", "onstorage", "onunhandledrejection", "onunload",
		"crossOriginIsolated", "scheduler", "alert", "atob", "blur", "btoa",
		"cancelAnimationFrame", "cancelIdleCallback", "captureEvents",
		"clearInterval", "clearTimeout", "close", "confirm",
		"createImageBitmap", "fetch", "find", "focus", "getComputedStyle",
		"getSelection", "matchMedia", "moveBy", "moveTo", "open", "postMessage",
		"print", "prompt", "queueMicrotask", "releaseEvents", "reportError",
		"requestAnimationFrame", "requestIdleCallback", "resizeBy", "resizeTo",
		"scroll", "scrollBy", "scrollTo", "setInterval", "setTimeout", "stop",
		"structuredClone", "webkitCancelAnimationFrame",
		"webkitRequestAnimationFrame", "Atomics", "Function", "undefined",
	}
)

// Answer is the produced sentinel proof token. Solved is false when the
// search ceiling was exhausted and the deterministic fallback token was
// returned; upstream still accepts the fallback syntactically.
type Answer struct {
	Token  string
	Solved bool
}

// BuildConfig assembles the fingerprint config vector for one solve attempt.
// Positions 3 and 9 are placeholders mutated by the candidate loop.
func BuildConfig(userAgent string, meta Metadata) []any {
	script := ""
	if len(meta.Scripts) > 0 {
		script = meta.Scripts[rand.Intn(len(meta.Scripts))]
	}
	perfNow := float64(time.Now().UnixNano()%1_000_000) / 1000.0
	return []any{
		screenSums[rand.Intn(len(screenSums))],
		parseTime(time.Now()),
		int64(4294705152),
		0,
		userAgent,
		script,
		meta.DPL,
		"en-US",
		"en-US,es-US,en,es",
		0,
		navigatorKeys[rand.Intn(len(navigatorKeys))],
		documentKeys[rand.Intn(len(documentKeys))],
		windowKeys[rand.Intn(len(windowKeys))],
		perfNow,
		uuid.NewString(),
		"",
		coreCounts[rand.Intn(len(coreCounts))],
		time.Now().UnixMilli() - int64(perfNow),
	}
}

// parseTime mimics a browser clock pinned to EST (fixed UTC-5, no DST).
func parseTime(now time.Time) string {
	est := now.UTC().Add(-5 * time.Hour)
	return est.Format("Mon Jan _2 2006 15:04:05") + " GMT-0500 (Eastern Standard Time)"
}

// Solve searches for a nonce i such that SHA3-512(seed ∥ base64(candidate))
// has a leading-byte prefix ≤ the hex difficulty target. The candidate
// document interleaves i and i/2 into the static config fragments. On
// exhaustion it returns the fallback token with Solved=false.
func Solve(seed, difficulty string, config []any) Answer {
	token, solved := generate(seed, difficulty, config)
	return Answer{Token: answerPrefix + token, Solved: solved}
}

// Fallback returns the deterministic non-solved answer without running the
// search. Used when the challenge exceeds the configured difficulty ceiling.
func Fallback(seed string) Answer {
	return Answer{Token: answerPrefix + fallback(seed), Solved: false}
}

// TooHard reports whether the challenge difficulty is beyond the configured
// ceiling. Targets are hex prefixes: lexicographically smaller means harder.
func TooHard(difficulty, ceiling string) bool {
	if ceiling == "" {
		return false
	}
	return difficulty < ceiling
}

// RequirementsToken builds the lightweight "p" token sent with the
// chat-requirements negotiation. Its difficulty is permissive enough that the
// search always succeeds on the first few candidates.
func RequirementsToken(config []any) string {
	token, _ := generate(fmt.Sprintf("%v", rand.Float64()), "0fffff", config)
	return requirementsPrefix + token
}

func generate(seed, difficulty string, config []any) (string, bool) {
	diffLen := len(difficulty) / 2
	target, err := hex.DecodeString(difficulty)
	if err != nil || diffLen == 0 {
		return fallback(seed), false
	}

	head, _ := json.Marshal(config[:3])
	mid, _ := json.Marshal(config[4:9])
	tail, _ := json.Marshal(config[10:])
	part1 := string(head[:len(head)-1]) + ","
	part2 := "," + string(mid[1:len(mid)-1]) + ","
	part3 := "," + string(tail[1:])

	hasher := sha3.New512()
	for i := 0; i < maxIterations; i++ {
		candidate := part1 + strconv.Itoa(i) + part2 + strconv.Itoa(i/2) + part3
		encoded := base64.StdEncoding.EncodeToString([]byte(candidate))

		hasher.Reset()
		hasher.Write([]byte(seed))
		hasher.Write([]byte(encoded))
		digest := hasher.Sum(nil)

		if bytes.Compare(digest[:diffLen], target) <= 0 {
			return encoded, true
		}
	}
	return fallback(seed), false
}

func fallback(seed string) string {
	return fallbackMarker + base64.StdEncoding.EncodeToString([]byte(`"`+seed+`"`))
}
