// Package palette holds the graph colours and the theme they are picked
// for.
package palette

import (
	"log/slog"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
	darkmode "github.com/thiagokokada/dark-mode-go"
)

type ThemePreference int

const (
	ThemeAuto ThemePreference = iota
	ThemeLight
	ThemeDark
)

func (p ThemePreference) String() string {
	switch p {
	case ThemeLight:
		return "light"
	case ThemeDark:
		return "dark"
	default:
		return "auto"
	}
}

func ThemePreferenceFromString(raw string) ThemePreference {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ThemeDark.String():
		return ThemeDark
	case ThemeLight.String():
		return ThemeLight
	default:
		return ThemeAuto
	}
}

var detectDarkMode = darkmode.IsDarkMode

// Palette colours branch lines and the message view. Graph holds one
// entry per colour index.
type Palette struct {
	Dark       bool
	Graph      []chroma.Colour
	Text       chroma.Colour
	Background chroma.Colour
	Link       chroma.Colour
	// Unknown renders revisions whose body could not be loaded.
	Unknown chroma.Colour
}

// Based on gitk's default colours; a small, high-contrast set.
var (
	lightGraph = []string{"#00cc00", "#cc0000", "#0055cc", "#aa00aa", "#555555", "#8b4513", "#ff8c00"}
	darkGraph  = []string{"#00ff00", "#ff5c5c", "#4fa3ff", "#d56bff", "#a0a0a0", "#d09a6b", "#ffb347"}
)

// For resolves pref, asking the desktop when it is ThemeAuto.
func For(pref ThemePreference) Palette {
	switch pref {
	case ThemeDark:
		return build(true)
	case ThemeLight:
		return build(false)
	}
	if detectDarkMode != nil {
		dark, err := detectDarkMode()
		if err == nil {
			return build(dark)
		}
		slog.Debug("detect dark-mode", slog.Any("error", err))
	}
	return build(false)
}

func build(dark bool) Palette {
	hex := lightGraph
	styleName := "github"
	if dark {
		hex = darkGraph
		styleName = "github-dark"
	}
	p := Palette{Dark: dark, Graph: make([]chroma.Colour, len(hex))}
	for i, h := range hex {
		p.Graph[i] = chroma.MustParseColour(h)
	}
	style := styles.Get(styleName)
	if style == nil {
		style = styles.Fallback
	}
	bg := style.Get(chroma.Background)
	p.Text = bg.Colour
	p.Background = bg.Background
	p.Link = style.Get(chroma.NameFunction).Colour
	if !p.Link.IsSet() {
		p.Link = p.Graph[2]
	}
	p.Unknown = p.Graph[4]
	if dark {
		p.Unknown = p.Unknown.Brighten(-0.3)
	} else {
		p.Unknown = p.Unknown.Brighten(0.4)
	}
	return p
}

// Colour returns the graph colour for index i, wrapping around.
func (p Palette) Colour(i int) chroma.Colour {
	if len(p.Graph) == 0 {
		return chroma.Colour(0)
	}
	if i < 0 {
		i = -i
	}
	return p.Graph[i%len(p.Graph)]
}

// Hex formats the graph colour for index i as "#rrggbb".
func (p Palette) Hex(i int) string {
	return Hex(p.Colour(i))
}

func Hex(c chroma.Colour) string {
	return "#" + strings.TrimPrefix(strings.ToLower(c.String()), "#")
}
