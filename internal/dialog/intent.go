package dialog

import "strings"

// Intent is a mid-conversation request that overrides the current state.
type Intent string

const (
	IntentNone   Intent = ""
	IntentCancel Intent = "cancel"
	IntentModify Intent = "modify"
	IntentHuman  Intent = "human_transfer"
	IntentFAQ    Intent = "faq_question"
)

var cancelMarkers = []string{
	"annuler", "annulation", "annule", "décommander", "decommander",
	"supprimer mon rendez-vous", "supprimer le rendez-vous",
}

var modifyMarkers = []string{
	"modifier", "déplacer", "deplacer", "reporter", "décaler", "decaler",
	"changer mon rendez-vous", "changer le rendez-vous", "changer l'heure",
}

var humanMarkers = []string{
	"parler à quelqu'un", "parler a quelqu'un", "un humain", "une vraie personne",
	"un conseiller", "une conseillère", "la secrétaire", "la secretaire",
	"le secrétariat", "le secretariat", "le standard", "transférez", "transferez",
	"transférer", "transferer", "passez-moi", "passez moi",
}

// faqMarkers are concrete practice topics, never generic words like
// "question": a caller saying "j'ai 2 questions" mid-choice must not be
// pulled out of the booking flow.
var faqMarkers = []string{
	"horaires", "vos horaires", "quelle adresse", "votre adresse", "où êtes-vous",
	"ou etes-vous", "où se trouve", "ou se trouve", "tarif", "combien ça coûte",
	"combien ca coute", "le prix", "parking", "accès handicapé", "acces handicape",
	"carte vitale", "tiers payant", "ouvert le",
}

// DetectIntent classifies an utterance against the override marker
// tables. First match wins in the order cancel, modify, human, faq.
func DetectIntent(text string) Intent {
	t := normalizeText(text)
	if t == "" {
		return IntentNone
	}
	if containsAny(t, cancelMarkers) {
		return IntentCancel
	}
	if containsAny(t, modifyMarkers) {
		return IntentModify
	}
	if containsAny(t, humanMarkers) {
		return IntentHuman
	}
	if containsAny(t, faqMarkers) {
		return IntentFAQ
	}
	return IntentNone
}

func containsAny(t string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

// normalizeText lowercases and collapses whitespace. Accented and
// unaccented variants both appear in the marker tables, so no accent
// folding happens here.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
