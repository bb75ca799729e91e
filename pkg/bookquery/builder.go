// Package bookquery turns dialog-layer input into a domain.QuerySpec.
package bookquery

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"bookpager/pkg/domain"
)

// ErrEmptyInput indicates the request carried no text to search for.
var ErrEmptyInput = errors.New("empty search input")

// Params is the parameter map extracted by the dialog layer, decoded from JSON.
type Params map[string]any

const tokenSep = "+"

var languageCodes = map[string]string{
	"Chinese":    "zh-CN",
	"English":    "en-US",
	"French":     "fr",
	"German":     "de",
	"Hindi":      "hi",
	"Italian":    "it",
	"Japanese":   "ja",
	"Korean":     "ko",
	"Portuguese": "pt",
	"Russian":    "ru",
	"Spanish":    "es",
	"Swedish":    "sv",
}

// Build creates a QuerySpec for a public search.
func Build(userInput string, params Params) (domain.QuerySpec, error) {
	return build(userInput, params, false)
}

// BuildLibrary creates a QuerySpec scoped to the authenticated user's library.
func BuildLibrary(userInput string, params Params) (domain.QuerySpec, error) {
	return build(userInput, params, true)
}

func build(userInput string, params Params, myLibrary bool) (domain.QuerySpec, error) {
	if strings.TrimSpace(userInput) == "" {
		return domain.QuerySpec{}, ErrEmptyInput
	}
	spec := domain.QuerySpec{
		UserInput:  userInput,
		MyLibrary:  myLibrary,
		Type:       params.str("type"),
		Categories: params.str("categories"),
		Order:      params.str("order"),
		Authors:    authorTokens(params["authors"]),
		Title:      titleToken(params.str("title")),
		Language:   LanguageCode(params.str("language")),
		Bookshelf:  capitalize(params.str("bookshelf")),
		Friend:     friendName(params["friend"]),
	}
	spec.QueryString = queryString(spec)
	return spec, nil
}

// LanguageCode maps a language name to the code the Books API expects.
// Unknown names return "".
func LanguageCode(name string) string {
	return languageCodes[name]
}

func queryString(spec domain.QuerySpec) string {
	input := spec.UserInput
	if strings.HasPrefix(strings.ToLower(input), "show me ") {
		input = input[len("show me "):]
	}
	text := joinWords(input)
	if spec.Authors != "" {
		text += tokenSep + spec.Authors
	}
	if spec.Title != "" {
		text += tokenSep + spec.Title
	}
	return text
}

func authorTokens(raw any) string {
	list, ok := raw.([]any)
	if !ok {
		if s, isStr := raw.([]string); isStr {
			list = make([]any, 0, len(s))
			for _, v := range s {
				list = append(list, v)
			}
		}
	}
	tokens := make([]string, 0, len(list))
	for _, v := range list {
		name := personName(v)
		if name == "" {
			continue
		}
		tokens = append(tokens, `inauthor:"`+joinWords(name)+`"`)
	}
	return strings.Join(tokens, tokenSep)
}

func titleToken(title string) string {
	if title == "" {
		return ""
	}
	return `intitle:"` + joinWords(title) + `"`
}

// personName accepts either a bare string or the {"name": "..."} shape the
// dialog layer uses for person entities.
func personName(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		name, _ := val["name"].(string)
		return strings.TrimSpace(name)
	default:
		return ""
	}
}

func friendName(raw any) string {
	name := personName(raw)
	if name == "" {
		return ""
	}
	name = strings.TrimSuffix(name, "'s")
	words := strings.Split(name, " ")
	for i, w := range words {
		if utf8.RuneCountInString(w) > 1 {
			words[i] = capitalize(strings.ToLower(w))
		}
	}
	return strings.Join(words, " ")
}

// capitalize upper-cases the first rune of s.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 || r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// wordEscaper keeps literal '+' and '%' in user words apart from tokenSep;
// QueryString stays decodable with url.QueryUnescape.
var wordEscaper = strings.NewReplacer("%", "%25", "+", "%2B")

func joinWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = wordEscaper.Replace(w)
	}
	return strings.Join(words, tokenSep)
}

func (p Params) str(key string) string {
	if p == nil {
		return ""
	}
	v, _ := p[key].(string)
	return strings.TrimSpace(v)
}
