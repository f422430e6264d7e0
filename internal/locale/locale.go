// Package locale normalizes locale tags the way the web client expects
// them: bare language codes are widened to a language_REGION form through
// an alias table, and negotiation falls back to a default locale.
package locale

import (
	"strings"

	"golang.org/x/text/language"
)

// Default is the locale used when nothing usable was negotiated.
const Default = "en_US"

// aliases widens bare language codes to their conventional region-qualified
// form. Derived from the CLDR likely-subtags data the original client
// libraries shipped with.
var aliases = map[string]string{
	"af": "af_ZA", "ar": "ar_SY", "bg": "bg_BG", "bs": "bs_BA",
	"ca": "ca_ES", "cs": "cs_CZ", "da": "da_DK", "de": "de_DE",
	"el": "el_GR", "en": "en_US", "es": "es_ES", "et": "et_EE",
	"fa": "fa_IR", "fi": "fi_FI", "fr": "fr_FR", "gl": "gl_ES",
	"he": "he_IL", "hu": "hu_HU", "id": "id_ID", "is": "is_IS",
	"it": "it_IT", "ja": "ja_JP", "km": "km_KH", "ko": "ko_KR",
	"lt": "lt_LT", "lv": "lv_LV", "mk": "mk_MK", "nl": "nl_NL",
	"nn": "nn_NO", "no": "nb_NO", "pl": "pl_PL", "pt": "pt_PT",
	"ro": "ro_RO", "ru": "ru_RU", "sk": "sk_SK", "sl": "sl_SI",
	"sv": "sv_SE", "th": "th_TH", "tr": "tr_TR", "uk": "uk_UA",
}

// Normalize fixes up a stored locale tag: the legacy "ar_AR" code collapses
// to "ar", bare languages widen via the alias table, and an empty tag falls
// back to the default locale.
func Normalize(lang string) string {
	// Legacy locale that never denoted a real region.
	if lang == "ar_AR" {
		lang = "ar"
	}
	if widened, ok := aliases[lang]; ok {
		lang = widened
	}
	if lang == "" {
		return Default
	}
	return lang
}

// FromAcceptLanguage derives a normalized locale from an Accept-Language
// header value. The best (first, highest-quality) tag wins; an empty or
// unparseable header yields the default locale.
func FromAcceptLanguage(header string) string {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return Default
	}
	lang := tags[0].String()
	if widened, ok := aliases[lang]; ok {
		lang = widened
	}
	return strings.ReplaceAll(lang, "-", "_")
}
