package dialog

import (
	"fmt"
	"strings"

	"github.com/vocalys/rdv-platform/internal/session"
)

// Prompts holds every user-facing utterance for one language. Locale
// strings live here and nowhere else; adding a language is a table
// entry.
type Prompts struct {
	Greeting        string
	AskName         string
	ReAskName       string
	AskMotif        string
	MotifHelp       string
	AskPref         string
	ReAskPref       string
	SlotsIntro      string
	SlotLine        string // fmt: label, index
	ReAskSlotStrict string
	NoSlots         string
	AskContact      string
	AskContactOther string // fmt: tried mode
	ContactPartial  string
	ConfirmContact  string // fmt: contact
	ReConfirm       string
	Confirmed       string // fmt: slot label
	ConfirmedAgain  string
	Emergency       string
	Transferred     string
	TransferredEnd  string
	IntentMenu      string
	IntentMenuAgain string
	CancelAskName   string
	CancelConfirm   string // fmt: booking label
	CancelDone      string
	CancelHandoff   string
	ModifyAskName   string
	ModifyDone      string // fmt: slot label
	NoBookingFound  string
	AskFAQ          string
	FAQFallback     string
	EmptyReprompt   string
	SlotTaken       string
	TechnicalIssue  string
	AckCaution      string
	AckIntentOnce   string
}

// EmergencyNumbersToken appears in every emergency utterance; tests and
// monitoring key on it.
const EmergencyNumbersToken = "15 ou le 112"

var frPrompts = Prompts{
	Greeting:        "Bonjour, vous êtes bien au secrétariat. Je peux vous aider à prendre rendez-vous. Quel est votre nom ?",
	AskName:         "Pour commencer, quel est votre nom ?",
	ReAskName:       "Pardon, je n'ai pas bien saisi votre nom. Pouvez-vous le répéter ?",
	AskMotif:        "Merci. Quel est le motif de votre rendez-vous ?",
	MotifHelp:       "Par exemple : une consultation, un contrôle, ou un renouvellement d'ordonnance. Quel est votre motif ?",
	AskPref:         "Très bien. Préférez-vous le matin, l'après-midi ou le soir ?",
	ReAskPref:       "Matin, après-midi, soir, ou peu importe : que préférez-vous ?",
	SlotsIntro:      "Voici les disponibilités. ",
	SlotLine:        "%s, dites %d. ",
	ReAskSlotStrict: "Pour choisir, dites simplement 1, 2 ou 3.",
	NoSlots:         "Je n'ai pas de créneau à vous proposer pour le moment. Je transmets votre demande au secrétariat, qui vous rappellera.",
	AskContact:      "Parfait. Quel est le meilleur moyen de vous joindre : un numéro de téléphone ou une adresse e-mail ?",
	AskContactOther: "Je n'arrive pas à enregistrer ce %s. Pouvez-vous me donner un autre moyen de contact ?",
	ContactPartial:  "J'écoute, continuez avec les chiffres suivants.",
	ConfirmContact:  "J'ai noté %s. C'est bien cela ?",
	ReConfirm:       "Dites oui pour confirmer, ou non pour corriger.",
	Confirmed:       "C'est noté, votre rendez-vous est confirmé pour %s. Vous recevrez une confirmation. Bonne journée !",
	ConfirmedAgain:  "Votre rendez-vous est bien confirmé. Bonne journée !",
	Emergency:       "Si c'est une urgence vitale, raccrochez et appelez immédiatement le 15 ou le 112. Je ne peux pas prendre de rendez-vous pour une urgence.",
	Transferred:     "Je vous mets en relation avec le secrétariat. Merci de patienter.",
	TransferredEnd:  "Un membre du secrétariat va vous recontacter. Merci de votre appel.",
	IntentMenu:      "Que souhaitez-vous faire : prendre rendez-vous, annuler, modifier, parler à quelqu'un, ou poser une question ?",
	IntentMenuAgain: "Je peux : prendre un rendez-vous, l'annuler, le modifier, vous passer quelqu'un, ou répondre à une question. Que choisissez-vous ?",
	CancelAskName:   "Bien sûr. À quel nom est le rendez-vous à annuler ?",
	CancelConfirm:   "J'ai trouvé un rendez-vous : %s. Confirmez-vous l'annulation ?",
	CancelDone:      "C'est fait, votre rendez-vous est annulé. Bonne journée !",
	CancelHandoff:   "Je suis désolé, je ne peux pas annuler ce rendez-vous moi-même. Je transmets votre demande au secrétariat, qui s'en chargera.",
	ModifyAskName:   "D'accord. À quel nom est le rendez-vous à modifier ?",
	ModifyDone:      "C'est fait, votre rendez-vous est déplacé au %s. Bonne journée !",
	NoBookingFound:  "Je ne trouve pas de rendez-vous à ce nom. Je transmets au secrétariat, qui vous recontactera.",
	AskFAQ:          "Je vous écoute, quelle est votre question ?",
	FAQFallback:     "Je n'ai pas cette information, le secrétariat pourra vous renseigner. Reprenons.",
	EmptyReprompt:   "Je ne vous ai pas entendu. Pouvez-vous répéter ?",
	SlotTaken:       "Ce créneau vient d'être pris, je suis désolé. ",
	TechnicalIssue:  "Je rencontre un problème technique. Je transmets votre demande au secrétariat.",
	AckCaution:      "Je note, et je vous conseille de le mentionner au praticien. ",
	AckIntentOnce:   "Bien sûr. ",
}

var promptsByLang = map[string]Prompts{
	"fr": frPrompts,
}

// PromptsFor returns the prompt table for a language, defaulting to
// French.
func PromptsFor(lang string) Prompts {
	if p, ok := promptsByLang[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return p
	}
	return frPrompts
}

// FormatSlots renders the numbered slot list for a channel. Voice uses
// the vocal labels.
func (p Prompts) FormatSlots(slots []session.CanonicalSlot, channel string) string {
	var b strings.Builder
	b.WriteString(p.SlotsIntro)
	for i, slot := range slots {
		label := slot.Label
		if channel == session.ChannelVoice && slot.LabelVocal != "" {
			label = slot.LabelVocal
		}
		fmt.Fprintf(&b, p.SlotLine, label, i+1)
	}
	return strings.TrimSpace(b.String())
}
