// Package localization renders the user-facing bot messages in the user's
// language.
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/uvensys/gatebot"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.json
var localeFS embed.FS

// DefaultLanguage is used when the user's language has no translation.
const DefaultLanguage = "en"

type LocalizationService struct {
	bundle *i18n.Bundle
}

var (
	globalService *LocalizationService
	once          sync.Once
)

func newBundle() *i18n.Bundle {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		slog.Error("can't list embedded locales", "err", err)
		return bundle
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "manifest.json" {
			continue
		}

		if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+entry.Name()); err != nil {
			slog.Error("can't load embedded locale", "file", entry.Name(), "err", err)
		}
	}

	return bundle
}

// NewLocalizationService returns the process-wide service backed by the
// embedded translations.
func NewLocalizationService() *LocalizationService {
	once.Do(func() {
		globalService = &LocalizationService{bundle: newBundle()}
	})

	return globalService
}

// Overrides maps a language tag to message IDs and their replacement text.
//
//	en:
//	  welcome: "Hi! Solve this within *{{.TTL}}* seconds."
//	ru:
//	  invite_hint: "Ссылка истекла? Нажмите /start."
type Overrides map[string]map[string]string

// LoadOverrides reads an Overrides YAML document from fname.
func LoadOverrides(fname string) (Overrides, error) {
	fin, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("can't open locale overrides: %w", err)
	}
	defer fin.Close()

	var result Overrides
	if err := yaml.NewDecoder(fin).Decode(&result); err != nil {
		return nil, fmt.Errorf("can't parse locale overrides %s: %w", fname, err)
	}

	return result, nil
}

// WithOverrides returns a new service with the embedded translations plus
// ov. The receiver is left untouched.
func (ls *LocalizationService) WithOverrides(ov Overrides) (*LocalizationService, error) {
	bundle := newBundle()

	for lang, messages := range ov {
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("locale overrides: bad language %q: %w", lang, err)
		}

		var msgs []*i18n.Message
		for id, text := range messages {
			msgs = append(msgs, &i18n.Message{ID: id, Other: text})
		}

		if err := bundle.AddMessages(tag, msgs...); err != nil {
			return nil, fmt.Errorf("locale overrides: %s: %w", lang, err)
		}
	}

	return &LocalizationService{bundle: bundle}, nil
}

// Languages lists the languages that have at least one message.
func (ls *LocalizationService) Languages() []string {
	var result []string
	for _, tag := range ls.bundle.LanguageTags() {
		result = append(result, tag.String())
	}
	return result
}

// Localizer picks the translation for lang, a BCP 47 tag such as the
// language_code Telegram reports for a user. gatebot.ForcedLanguage wins
// when set.
func (ls *LocalizationService) Localizer(lang string) *SimpleLocalizer {
	if gatebot.ForcedLanguage != "" {
		lang = gatebot.ForcedLanguage
	}

	return &SimpleLocalizer{Localizer: i18n.NewLocalizer(ls.bundle, lang, DefaultLanguage)}
}

// SimpleLocalizer wraps i18n.Localizer with a more convenient API
type SimpleLocalizer struct {
	Localizer *i18n.Localizer
}

// T provides a concise way to localize messages
func (sl *SimpleLocalizer) T(messageID string) string {
	return sl.TData(messageID, nil)
}

// TData localizes a message template with data. A missing message renders
// as its ID so that a broken override never silences the bot.
func (sl *SimpleLocalizer) TData(messageID string, data map[string]any) string {
	result, err := sl.Localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		slog.Warn("can't localize message", "id", messageID, "err", err)
		return messageID
	}

	return result
}

// GetLocalizer returns a localizer for lang from the process-wide service.
func GetLocalizer(lang string) *SimpleLocalizer {
	return NewLocalizationService().Localizer(lang)
}
