package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English},
		{"", language.English},
	}

	for _, tt := range tests {
		base, _ := MatchLanguage(tt.accept).Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestLocaleTag(t *testing.T) {
	tests := map[string]language.Tag{
		"de_DE.UTF-8": language.German,
		"en_GB":       language.English,
		"C":           language.English,
		"POSIX":       language.English,
		"":            language.English,
		"fr_FR@euro":  language.English,
	}
	for locale, want := range tests {
		base, _ := LocaleTag(locale).Base()
		exp, _ := want.Base()
		assert.Equal(t, exp, base, "locale %q", locale)
	}
}

func TestNewCLIPrinter(t *testing.T) {
	t.Setenv("LC_ALL", "de_DE.UTF-8")
	assert.Equal(t, "1.234", NewCLIPrinter().Sprintf("%d", 1234))

	t.Setenv("LC_ALL", "")
	t.Setenv("LANG", "en_US.UTF-8")
	assert.Equal(t, "1,234", NewCLIPrinter().Sprintf("%d", 1234))
}
