// Package superchat decides whether a chat message is a genuine superchat
// donation claim, an ordinary message, or a spoofed claim that should be
// removed from chat.
//
// The accepted template is
//
//	⚡⚡ 𝗦𝗨𝗣𝗘𝗥𝗖𝗛𝗔𝗧 [<amount> APTO]: <CONTENT>
//
// where the keyword is rendered in Mathematical Sans-Serif Bold capitals.
package superchat

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	Marker  = "⚡"
	Keyword = "𝗦𝗨𝗣𝗘𝗥𝗖𝗛𝗔𝗧"
	Unit    = "APTO"

	// DefaultMaxAmount is the ceiling applied when Options.MaxAmount is empty.
	DefaultMaxAmount = "1000"

	header     = Marker + Marker + " " + Keyword + " ["
	unitEnd    = " " + Unit + "]"
	contentSep = ": "
)

var (
	foldedKeyword = strings.ToLower(norm.NFKC.String(Keyword))
	foldedUnit    = strings.ToLower(Unit)
)

// Kind is the classification outcome.
type Kind int

const (
	NotDonation Kind = iota
	ValidDonation
	SpoofedDonation
)

func (k Kind) String() string {
	switch k {
	case ValidDonation:
		return "valid"
	case SpoofedDonation:
		return "spoofed"
	default:
		return "not_donation"
	}
}

// Rejection reasons reported for SpoofedDonation results.
const (
	ReasonTemplate     = "template"
	ReasonMarkerCount  = "marker_count"
	ReasonKeywordCount = "keyword_count"
	ReasonUnitCount    = "unit_count"
	ReasonAmount       = "amount"
	ReasonEmptyContent = "empty_content"
	ReasonLowercase    = "lowercase_content"
	ReasonDuplicate    = "duplicate_text"
)

// Result is the outcome of classifying one message text.
type Result struct {
	Kind    Kind
	Amount  string // set for ValidDonation, and for SpoofedDonation when parsed
	Content string
	Reason  string // why a claim was rejected
}

type Options struct {
	// MaxAmount is the inclusive ceiling as a decimal string.
	MaxAmount string
	// DuplicateTTL bounds how long a validated text is remembered. Zero keeps
	// texts for the lifetime of the process.
	DuplicateTTL time.Duration
	Now          func() time.Time
}

// Classifier applies the strict format rules plus duplicate-text suppression.
// It is safe for concurrent use.
type Classifier struct {
	ceiling *big.Rat
	seen    *SeenTexts
}

func New(opts Options) (*Classifier, error) {
	raw := strings.TrimSpace(opts.MaxAmount)
	if raw == "" {
		raw = DefaultMaxAmount
	}
	ceiling, ok := parseAmount(raw)
	if !ok || ceiling.Sign() <= 0 {
		return nil, fmt.Errorf("superchat: invalid max amount %q", opts.MaxAmount)
	}
	return &Classifier{
		ceiling: ceiling,
		seen:    NewSeenTexts(opts.DuplicateTTL, opts.Now),
	}, nil
}

// Classify inspects text for message id. A text that passes every format rule
// is still rejected when a different message id already claimed it; the same
// id presenting the same text again (platform redelivery) is accepted so the
// ledger can suppress it without triggering a deletion.
func (c *Classifier) Classify(messageID, text string) Result {
	res := Inspect(text, c.ceiling)
	if res.Kind != ValidDonation {
		return res
	}
	if !c.seen.Claim(text, messageID) {
		return Result{Kind: SpoofedDonation, Amount: res.Amount, Content: res.Content, Reason: ReasonDuplicate}
	}
	return res
}

// Inspect runs the cheap pre-filter and then the strict template checks. It
// is pure: no duplicate tracking happens here.
func Inspect(text string, ceiling *big.Rat) Result {
	folded := strings.ToLower(norm.NFKC.String(text))
	if !LooksLikeClaim(text, folded) {
		return Result{Kind: NotDonation}
	}

	spoof := func(reason string) Result {
		return Result{Kind: SpoofedDonation, Reason: reason}
	}

	if !strings.HasPrefix(text, header) {
		return spoof(ReasonTemplate)
	}
	rest := text[len(header):]

	sep := strings.Index(rest, unitEnd+contentSep)
	if sep <= 0 {
		return spoof(ReasonTemplate)
	}
	amount := rest[:sep]
	content := rest[sep+len(unitEnd)+len(contentSep):]

	if strings.Count(text, contentSep) != 1 {
		return spoof(ReasonTemplate)
	}
	if content == "" || strings.ContainsAny(content, "\r\n") {
		return spoof(ReasonTemplate)
	}

	if strings.Count(text, Marker) != 2 {
		return spoof(ReasonMarkerCount)
	}
	if strings.Count(folded, foldedKeyword) > 1 {
		return spoof(ReasonKeywordCount)
	}
	if strings.Count(folded, foldedUnit) > 1 {
		return spoof(ReasonUnitCount)
	}

	value, ok := parseAmount(amount)
	if !ok || value.Sign() <= 0 || value.Cmp(ceiling) > 0 {
		res := spoof(ReasonAmount)
		res.Amount = amount
		return res
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return spoof(ReasonEmptyContent)
	}
	if hasLowerASCII(trimmed) {
		return spoof(ReasonLowercase)
	}

	return Result{Kind: ValidDonation, Amount: amount, Content: trimmed}
}

// LooksLikeClaim is the cheap pre-filter: the marker symbol, or the keyword in
// any case or any compatibility rendering (bold, italic, fullwidth...).
// folded must be the lowercased NFKC form of text; pass "" to compute it.
func LooksLikeClaim(text, folded string) bool {
	if strings.Contains(text, Marker) {
		return true
	}
	if folded == "" {
		folded = strings.ToLower(norm.NFKC.String(text))
	}
	return strings.Contains(folded, foldedKeyword)
}

// parseAmount accepts digits with an optional fractional part, nothing else.
func parseAmount(raw string) (*big.Rat, bool) {
	if raw == "" {
		return nil, false
	}
	dot := false
	digits := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' && !dot && i > 0 && i < len(raw)-1:
			dot = true
		default:
			return nil, false
		}
	}
	if digits == 0 {
		return nil, false
	}
	v, ok := new(big.Rat).SetString(raw)
	return v, ok
}

func hasLowerASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'a' && s[i] <= 'z' {
			return true
		}
	}
	return false
}
