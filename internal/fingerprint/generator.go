// Package fingerprint generates fresh browser identities for domains where
// the ranker has no learned preference yet.
package fingerprint

import (
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/aegiscrawl/aegis/internal/scoring"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
}

var languages = []string{"en-US,en;q=0.9", "en-GB,en;q=0.8", "en-US,en;q=0.9,de;q=0.7"}

var viewports = [][2]int{{1920, 1080}, {1536, 864}, {1440, 900}, {1366, 768}}

var timezones = []string{"America/New_York", "America/Chicago", "Europe/London", "Europe/Berlin"}

// Generator produces randomized identities.
type Generator struct {
	intn func(n int) int
}

// New constructs a Generator.
func New() *Generator {
	return &Generator{intn: rand.Intn}
}

// Generate returns a new identity and its candidate ID.
func (g *Generator) Generate() (string, scoring.Fingerprint) {
	ua := userAgents[g.intn(len(userAgents))]
	vp := viewports[g.intn(len(viewports))]
	platform := "Win32"
	switch {
	case strings.Contains(ua, "Macintosh"):
		platform = "MacIntel"
	case strings.Contains(ua, "Linux"):
		platform = "Linux x86_64"
	}
	return uuid.NewString(), scoring.Fingerprint{
		UserAgent:      ua,
		AcceptLanguage: languages[g.intn(len(languages))],
		Platform:       platform,
		ViewportWidth:  vp[0],
		ViewportHeight: vp[1],
		Timezone:       timezones[g.intn(len(timezones))],
	}
}
